package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"DatasetFlow/internal/auth"
	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/options"
	"DatasetFlow/internal/pipeline"
	"DatasetFlow/internal/plugin"
)

// 协商结果在响应中的状态值。
const (
	outcomeAccepted          = "accepted"
	outcomeDuplicate         = "duplicate"
	outcomeNeedsInput        = "needs_input"
	outcomeNeedsConfirmation = "needs_confirmation"
	outcomeRejected          = "rejected"
)

const defaultPreviewLimit = 100

type createDatasetRequest struct {
	Type       string         `json:"type"`
	Parent     string         `json:"parent,omitempty"`
	Parameters map[string]any `json:"parameters"`
}

// submissionResponse 描述一轮协商的结果。needs_input 携带新的选项表单，调用方据此重新提交。
type submissionResponse struct {
	Status     string           `json:"status"`
	Message    string           `json:"message,omitempty"`
	Options    options.Schema   `json:"options,omitempty"`
	ConfirmKey string           `json:"confirm_key,omitempty"`
	Dataset    *dataset.Dataset `json:"dataset,omitempty"`
	Job        *job.Job         `json:"job,omitempty"`
}

type datasetResponse struct {
	Dataset *dataset.Dataset   `json:"dataset"`
	Log     []dataset.LogEntry `json:"log"`
}

type enqueueJobRequest struct {
	Type            string         `json:"type"`
	RemoteID        string         `json:"remote_id"`
	IntervalSeconds int64          `json:"interval_seconds,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Parent          string         `json:"parent,omitempty"`
	Partition       string         `json:"partition,omitempty"`
}

type enqueueJobResponse struct {
	Job     *job.Job `json:"job"`
	Created bool     `json:"created"`
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	descs := s.service.Plugins()
	if descs == nil {
		descs = []plugin.Descriptor{}
	}
	writeJSON(w, http.StatusOK, descs)
}

func (s *Server) handlePluginOptions(w http.ResponseWriter, r *http.Request) {
	schema, err := s.service.Options(r.Context(), r.PathValue("type"), r.URL.Query().Get("parent"), auth.UsernameFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if schema == nil {
		schema = options.Schema{}
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) handleCompatible(w http.ResponseWriter, r *http.Request) {
	types, err := s.service.CompatiblePlugins(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if types == nil {
		types = []string{}
	}
	writeJSON(w, http.StatusOK, types)
}

// handleCreateDataset 执行一轮参数协商，只有 accepted 才会创建数据集。
func (s *Server) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "缺少插件类型"))
		return
	}
	sub, err := s.service.Submit(r.Context(), pipeline.Request{
		Type:       req.Type,
		ParentKey:  req.Parent,
		Parameters: req.Parameters,
		User:       auth.UsernameFromContext(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, body := submissionBody(sub)
	writeJSON(w, status, body)
}

func submissionBody(sub pipeline.Submission) (int, submissionResponse) {
	switch o := sub.Outcome.(type) {
	case options.Accepted:
		if sub.Duplicate {
			return http.StatusOK, submissionResponse{Status: outcomeDuplicate, Dataset: sub.Dataset, Job: sub.Job}
		}
		return http.StatusCreated, submissionResponse{Status: outcomeAccepted, Dataset: sub.Dataset, Job: sub.Job}
	case options.NeedsMoreInput:
		return http.StatusOK, submissionResponse{Status: outcomeNeedsInput, Message: o.Message, Options: o.Schema}
	case options.NeedsConfirmation:
		return http.StatusOK, submissionResponse{Status: outcomeNeedsConfirmation, Message: o.Message, ConfirmKey: options.ConfirmKey}
	case options.Rejected:
		return http.StatusUnprocessableEntity, submissionResponse{Status: outcomeRejected, Message: o.Reason}
	default:
		return http.StatusInternalServerError, submissionResponse{Status: outcomeRejected, Message: "unknown outcome"}
	}
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ds, err := s.service.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.service.Log(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []dataset.LogEntry{}
	}
	writeJSON(w, http.StatusOK, datasetResponse{Dataset: ds, Log: entries})
}

// listOptionsFrom 解析 type、state、owner、top_level、limit、offset、created_before 查询参数。
func listOptionsFrom(r *http.Request) ([]dataset.ListOption, error) {
	q := r.URL.Query()
	var opts []dataset.ListOption
	if v := q.Get("type"); v != "" {
		opts = append(opts, dataset.WithType(v))
	}
	if v := q.Get("owner"); v != "" {
		opts = append(opts, dataset.WithOwner(v))
	}
	if v := q.Get("state"); v != "" {
		var states []dataset.State
		for _, raw := range strings.Split(v, ",") {
			st := dataset.State(strings.TrimSpace(raw))
			if !dataset.IsValidState(st) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的数据集状态: "+raw)
			}
			states = append(states, st)
		}
		opts = append(opts, dataset.WithStates(states...))
	}
	if v := q.Get("top_level"); v != "" {
		top, err := strconv.ParseBool(v)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "top_level 必须是布尔值")
		}
		if top {
			opts = append(opts, dataset.WithTopLevelOnly())
		}
	}
	for _, name := range []string{"limit", "offset", "created_before"} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, name+" 必须是非负整数")
		}
		switch name {
		case "limit":
			opts = append(opts, dataset.WithLimit(n))
		case "offset":
			opts = append(opts, dataset.WithOffset(n))
		case "created_before":
			opts = append(opts, dataset.WithCreatedBefore(time.Unix(int64(n), 0)))
		}
	}
	return opts, nil
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.service.List(r.Context(), opts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*dataset.Dataset{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	children, err := s.service.Children(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if children == nil {
		children = []*dataset.Dataset{}
	}
	writeJSON(w, http.StatusOK, children)
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	limit := defaultPreviewLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	items, err := s.service.Items(r.Context(), r.PathValue("key"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if items == nil {
		items = []*item.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ds, err := s.service.Cancel(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ds)
}

func (s *Server) handleStandalone(w http.ResponseWriter, r *http.Request) {
	ds, err := s.service.CopyAsStandalone(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	removed, err := s.service.Delete(r.Context(), r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	keys := make([]string, 0, len(removed))
	for _, ds := range removed {
		keys = append(keys, ds.Key)
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": keys})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.Jobs(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleEnqueueJob 写入任务；interval_seconds 大于 0 时注册周期任务。
func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueJobRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Type == "" || req.RemoteID == "" {
		s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "type 与 remote_id 不能为空"))
		return
	}
	var (
		j       *job.Job
		created bool
		err     error
	)
	if req.IntervalSeconds > 0 {
		j, created, err = s.service.EnqueueRecurring(r.Context(), pipeline.RecurringRequest{
			Type:       req.Type,
			RemoteID:   req.RemoteID,
			Interval:   time.Duration(req.IntervalSeconds) * time.Second,
			Parameters: req.Parameters,
			ParentKey:  req.Parent,
			Partition:  req.Partition,
		})
	} else {
		opts := []job.EnqueueOption{job.WithPartition(req.Partition)}
		if len(req.Parameters) > 0 {
			opts = append(opts, job.WithDetails(map[string]any{"parameters": req.Parameters}))
		}
		j, created, err = s.service.EnqueueJob(r.Context(), req.Type, req.RemoteID, opts...)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, enqueueJobResponse{Job: j, Created: created})
}
