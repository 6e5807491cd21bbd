package builtin

import (
	"context"
	"encoding/csv"
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"DatasetFlow/internal/item"
	"DatasetFlow/internal/options"
	"DatasetFlow/internal/plugin"
)

// emptyColumn 是列映射中“留空”的选项值。
const emptyColumn = "__empty"

// RequiredColumns 是上传文件必须提供（或映射得到）的列。
var RequiredColumns = []string{"id", "author", "body", "timestamp"}

// UploadCSV 把用户上传的 CSV 文件导入为顶层数据集。
// 缺失的必需列需要用户逐列映射，映射为空列时还需要确认。
type UploadCSV struct{}

// NewUploadCSV 创建插件实例。
func NewUploadCSV() *UploadCSV {
	return &UploadCSV{}
}

var (
	_ plugin.Processor      = (*UploadCSV)(nil)
	_ plugin.QueryValidator = (*UploadCSV)(nil)
	_ plugin.ItemMapper     = (*UploadCSV)(nil)
)

var uploadSchema = options.Schema{
	{Key: "info", Type: options.TypeInfo, Help: "Upload a CSV file with a header row."},
	{Key: "file", Type: options.TypeFile, Help: "CSV file", Required: true},
	{Key: "delimiter", Type: options.TypeChoice, Help: "Delimiter", Default: ",", Choices: []options.Choice{
		{Value: ",", Label: "Comma"},
		{Value: ";", Label: "Semicolon"},
		{Value: "tab", Label: "Tab"},
	}},
}

func (u *UploadCSV) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        TypeUploadCSV,
		Category:    "import",
		Title:       "Upload CSV",
		Description: "Import a CSV file as a new dataset.",
		Extension:   "ndjson",
		IsLocal:     true,
		MaxWorkers:  2,
		Options:     uploadSchema,
	}
}

// ValidateQuery 依次检查文件、表头与列映射。
func (u *UploadCSV) ValidateQuery(_ context.Context, raw map[string]any, qc plugin.QueryContext) options.Outcome {
	params, err := options.Validate(uploadSchema, raw)
	if err != nil {
		return options.Rejected{Reason: options.ReasonOf(err)}
	}
	path, err := resolveUpload(qc.Settings.String(SettingUploadsDir, ""), options.String(params, "file"))
	if err != nil {
		return options.Rejected{Reason: options.ReasonOf(err)}
	}
	header, err := readHeader(path, delimiterOf(params))
	if err != nil {
		return options.Rejected{Reason: err.Error()}
	}

	mapping := map[string]any{}
	var missing []options.Option
	var empty []string
	for _, col := range RequiredColumns {
		if slices.Contains(header, col) {
			mapping[col] = col
			continue
		}
		source, ok := mappedColumn(raw, col)
		if !ok {
			missing = append(missing, mappingOption(col, header))
			continue
		}
		if source != emptyColumn && !slices.Contains(header, source) {
			return options.Rejected{Reason: fmt.Sprintf("column %q does not exist in the uploaded file", source)}
		}
		if source == emptyColumn {
			empty = append(empty, col)
		}
		mapping[col] = source
	}
	if len(missing) > 0 {
		return options.NeedsMoreInput{
			Message: fmt.Sprintf("Map the columns of your file to the %d required field(s).", len(missing)),
			Schema:  append(append(options.Schema(nil), uploadSchema...), missing...),
		}
	}
	if len(empty) > 0 {
		if !options.Confirmed(raw) {
			return options.NeedsConfirmation{
				Message: fmt.Sprintf("The field(s) %s will be empty for every item. Continue?", strings.Join(empty, ", ")),
			}
		}
		// 确认结果随参数保存，重新提交已接受的参数不会再次询问。
		params[options.ConfirmKey] = true
	}
	params["mapping"] = mapping
	return options.Accepted{Parameters: params}
}

func mappingOption(col string, header []string) options.Option {
	choices := make([]options.Choice, 0, len(header)+1)
	for _, h := range header {
		choices = append(choices, options.Choice{Value: h, Label: h})
	}
	choices = append(choices, options.Choice{Value: emptyColumn, Label: "(leave empty)"})
	return options.Option{
		Key:      "map-" + col,
		Type:     options.TypeChoice,
		Help:     fmt.Sprintf("Column for %q", col),
		Choices:  choices,
		Required: true,
	}
}

// mappedColumn 读取 map-<col> 或已接受参数中的 mapping，以便重复提交得到相同结果。
func mappedColumn(raw map[string]any, col string) (string, bool) {
	if v := options.String(raw, "map-"+col); v != "" {
		return v, true
	}
	if m, ok := raw["mapping"].(map[string]any); ok {
		if v, ok := m[col].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

func delimiterOf(params map[string]any) rune {
	switch options.String(params, "delimiter") {
	case ";":
		return ';'
	case "tab":
		return '\t'
	default:
		return ','
	}
}

// resolveUpload 把文件名解析到上传目录中，拒绝目录之外的路径。
func resolveUpload(dir, name string) (string, error) {
	if name == "" {
		return "", options.Reject("file", "no file was uploaded")
	}
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, filepath.Clean("/"+name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", options.Reject("file", "invalid file name")
	}
	return path, nil
}

func readHeader(path string, delimiter rune) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, stdErrors.New("the uploaded file could not be found")
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = delimiter
	header, err := r.Read()
	if err == io.EOF {
		return nil, stdErrors.New("the uploaded file is empty")
	}
	if err != nil {
		return nil, stdErrors.New("the uploaded file is not a valid CSV file")
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	return header, nil
}

// Process 逐行读取文件并写出带有必需字段的记录。
func (u *UploadCSV) Process(ctx context.Context, rt plugin.Runtime) error {
	params := rt.Parameters()
	path, err := resolveUpload(rt.Settings().String(SettingUploadsDir, ""), options.String(params, "file"))
	if err != nil {
		rt.FinishWithError("The uploaded file could not be found")
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		rt.FinishWithError("The uploaded file could not be found")
		return nil
	}
	defer f.Close()

	mapping, _ := params["mapping"].(map[string]any)
	r := csv.NewReader(f)
	r.Comma = delimiterOf(params)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		rt.FinishWithError("The uploaded file is not a valid CSV file")
		return nil
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	rt.UpdateStatus("Importing rows", false)
	line := 1
	for {
		if err := rt.CheckInterrupted(); err != nil {
			return err
		}
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			rt.Skip(fmt.Sprintf("line %d could not be parsed", line))
			continue
		}
		it := item.New()
		for _, col := range RequiredColumns {
			source, _ := mapping[col].(string)
			it.Set(col, column(header, record, source))
		}
		for i, h := range header {
			if i < len(record) && !slices.Contains(RequiredColumns, h) {
				it.Set(h, record[i])
			}
		}
		if err := rt.Write(it); err != nil {
			return err
		}
		if line%500 == 0 {
			rt.UpdateStatus(fmt.Sprintf("Imported %d rows", rt.Written()), false)
		}
	}
	rt.UpdateProgress(1)
	return nil
}

func column(header, record []string, name string) string {
	if name == "" || name == emptyColumn {
		return ""
	}
	for i, h := range header {
		if h == name && i < len(record) {
			return record[i]
		}
	}
	return ""
}

// MapItem 为下游处理器补充 unix_timestamp 字段。
func (u *UploadCSV) MapItem(raw *item.Item) (*item.Item, error) {
	out := raw.Clone()
	if v, ok := raw.Get("timestamp"); ok {
		if t, ok := parseTime(v); ok {
			out.Set("unix_timestamp", t.Unix())
		}
	}
	return out, nil
}
