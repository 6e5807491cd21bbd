package results

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
)

// Format 是结果文件的序列化格式。
type Format string

const (
	FormatNDJSON Format = "ndjson"
	FormatCSV    Format = "csv"
)

// CodeMalformedRow 标记单条记录无法解析，读取方跳过该行后继续读取。
const CodeMalformedRow xerrors.Code = "RESULT_ROW_MALFORMED"

func init() {
	xerrors.Register(CodeMalformedRow, xerrors.Attributes{Message: "malformed result row", Severity: xerrors.SeverityInfo})
}

// malformedRow 构造单行解析错误，行号放在 line 元数据中。
func malformedRow(cause error, line int, message string) error {
	return xerrors.Wrap(CodeMalformedRow, cause, message, xerrors.WithMetadata("line", strconv.Itoa(line)))
}

// partialSuffix 标记尚未提交的结果文件，读取方永远不会把它当作有效结果。
const partialSuffix = ".partial"

// FormatOf 依据扩展名选择格式，未知扩展名按 NDJSON 处理。
func FormatOf(extension string) Format {
	if strings.EqualFold(strings.TrimPrefix(extension, "."), string(FormatCSV)) {
		return FormatCSV
	}
	return FormatNDJSON
}

// Store 管理结果目录下的文件。
type Store struct {
	dir string
}

// NewStore 创建结果目录。
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "结果目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResultFailure, err, "创建结果目录失败")
	}
	return &Store{dir: dir}, nil
}

// Dir 返回结果目录。
func (s *Store) Dir() string {
	return s.dir
}

// PathFor 返回数据集结果文件的最终路径。
func (s *Store) PathFor(key, extension string) string {
	return filepath.Join(s.dir, key+"."+strings.TrimPrefix(extension, "."))
}

// Create 打开一个部分写入文件；只有 Commit 之后结果才出现在最终路径上。
func (s *Store) Create(key, extension string) (*Writer, error) {
	final := s.PathFor(key, extension)
	partial := final + partialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResultFailure, err, "创建结果文件失败")
	}
	_ = os.Remove(final)
	w := &Writer{
		file:    f,
		buf:     bufio.NewWriter(f),
		path:    final,
		partial: partial,
		format:  FormatOf(extension),
	}
	if w.format == FormatCSV {
		w.csv = csv.NewWriter(w.buf)
	}
	return w, nil
}

// Remove 删除结果文件及可能残留的部分文件。
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	for _, p := range []string{path, path + partialSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return xerrors.Wrap(xerrors.CodeResultFailure, err, "删除结果文件失败")
		}
	}
	return nil
}

// RemoveFor 删除数据集在结果目录中的文件，包括未提交的部分文件。
func (s *Store) RemoveFor(key, extension string) error {
	return s.Remove(s.PathFor(key, extension))
}

// Copy 把已提交的结果复制为另一个数据集的结果。
func (s *Store) Copy(src, dstKey, extension string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "打开源结果文件失败")
	}
	defer in.Close()

	dst := s.PathFor(dstKey, extension)
	tmp := dst + partialSuffix
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "创建目标结果文件失败")
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "复制结果文件失败")
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "复制结果文件失败")
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "提交结果文件失败")
	}
	return dst, nil
}

// Writer 逐条写入结果，不在内存中缓存整个数据集。
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	csv     *csv.Writer
	header  []string
	path    string
	partial string
	format  Format
	rows    int64
	closed  bool
}

// Write 追加一条记录。CSV 以第一条记录展开后的字段作为表头，之后缺失的字段留空。
func (w *Writer) Write(it *item.Item) error {
	if w.closed {
		return xerrors.New(xerrors.CodeConflict, "结果文件已关闭")
	}
	switch w.format {
	case FormatCSV:
		flat := it.Flatten()
		if w.header == nil {
			w.header = flat.Keys()
			if err := w.csv.Write(w.header); err != nil {
				return xerrors.Wrap(xerrors.CodeResultFailure, err, "写入 CSV 表头失败")
			}
		}
		record := make([]string, len(w.header))
		for i, col := range w.header {
			record[i] = flat.String(col)
		}
		if err := w.csv.Write(record); err != nil {
			return xerrors.Wrap(xerrors.CodeResultFailure, err, "写入 CSV 记录失败")
		}
	default:
		raw, err := json.Marshal(it)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "记录无法序列化")
		}
		raw = append(raw, '\n')
		if _, err := w.buf.Write(raw); err != nil {
			return xerrors.Wrap(xerrors.CodeResultFailure, err, "写入结果失败")
		}
	}
	w.rows++
	return nil
}

// Rows 返回已写入的记录数。
func (w *Writer) Rows() int64 {
	return w.rows
}

// Path 返回提交后的最终路径。
func (w *Writer) Path() string {
	return w.path
}

// Commit 刷新缓冲并把部分文件重命名为最终结果。
func (w *Writer) Commit() (string, error) {
	if w.closed {
		return "", xerrors.New(xerrors.CodeConflict, "结果文件已关闭")
	}
	w.closed = true
	if w.csv != nil {
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			w.abort()
			return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "刷新 CSV 失败")
		}
	}
	if err := w.buf.Flush(); err != nil {
		w.abort()
		return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "刷新结果失败")
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.partial)
		return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "关闭结果文件失败")
	}
	if err := os.Rename(w.partial, w.path); err != nil {
		os.Remove(w.partial)
		return "", xerrors.Wrap(xerrors.CodeResultFailure, err, "提交结果文件失败")
	}
	return w.path, nil
}

// Discard 丢弃部分写入的结果。重复调用或 Commit 之后调用都是安全的。
func (w *Writer) Discard() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.abort()
}

func (w *Writer) abort() error {
	_ = w.file.Close()
	if err := os.Remove(w.partial); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.CodeResultFailure, err, "删除部分结果失败")
	}
	return nil
}

// Read 返回结果文件中的记录。每次遍历都重新打开文件，因此序列可以从头重复读取。
func Read(ctx context.Context, path string) iter.Seq2[*item.Item, error] {
	return func(yield func(*item.Item, error) bool) {
		if strings.HasSuffix(path, partialSuffix) {
			yield(nil, xerrors.New(xerrors.CodeInvalidArgument, "部分写入的结果不可读取"))
			return
		}
		f, err := os.Open(path)
		if err != nil {
			yield(nil, xerrors.Wrap(xerrors.CodeResultFailure, err, "打开结果文件失败"))
			return
		}
		defer f.Close()
		if FormatOf(filepath.Ext(path)) == FormatCSV {
			readCSV(ctx, f, yield)
			return
		}
		readNDJSON(ctx, f, yield)
	}
}

func readNDJSON(ctx context.Context, r io.Reader, yield func(*item.Item, error) bool) {
	br := bufio.NewReader(r)
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			line++
			trimmed := strings.TrimSpace(string(raw))
			if trimmed != "" {
				it := item.New()
				if uerr := it.UnmarshalJSON([]byte(trimmed)); uerr != nil {
					if !yield(nil, malformedRow(uerr, line, fmt.Sprintf("第 %d 行不是有效的 JSON", line))) {
						return
					}
				} else if !yield(it, nil) {
					return
				}
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			yield(nil, xerrors.Wrap(xerrors.CodeResultFailure, err, "读取结果文件失败"))
			return
		}
	}
}

func readCSV(ctx context.Context, r io.Reader, yield func(*item.Item, error) bool) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err == io.EOF {
		return
	}
	if err != nil {
		yield(nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取 CSV 表头失败"))
		return
	}
	for {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		record, err := cr.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			var perr *csv.ParseError
			if !stdErrors.As(err, &perr) {
				yield(nil, xerrors.Wrap(xerrors.CodeResultFailure, err, "读取 CSV 失败"))
				return
			}
			if !yield(nil, malformedRow(err, perr.Line, "CSV 记录格式错误")) {
				return
			}
			continue
		}
		it := item.New()
		for i, col := range header {
			if i < len(record) {
				it.Set(col, record[i])
			} else {
				it.Set(col, "")
			}
		}
		if !yield(it, nil) {
			return
		}
	}
}

// Header 返回结果文件第一条记录的字段名，用于生成动态选项。
func Header(ctx context.Context, path string) ([]string, error) {
	for it, err := range Read(ctx, path) {
		if xerrors.CodeOf(err) == CodeMalformedRow {
			continue
		}
		if err != nil {
			return nil, err
		}
		return it.Flatten().Keys(), nil
	}
	return nil, nil
}

// Preview 读取前 limit 条记录。
func Preview(ctx context.Context, path string, limit int) ([]*item.Item, error) {
	out := make([]*item.Item, 0, limit)
	if limit <= 0 {
		return out, nil
	}
	for it, err := range Read(ctx, path) {
		if xerrors.CodeOf(err) == CodeMalformedRow {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, it)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
