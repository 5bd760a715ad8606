package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/task"
)

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseListOptions 解析查询参数：limit、offset、status、trigger、session_id、
// updated_since、updated_until（RFC3339 或 Unix 秒）、has_result、order、q。
func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "limit 参数无效: %s", raw)
		}
		opts = append(opts, task.WithLimit(n))
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "offset 参数无效: %s", raw)
		}
		opts = append(opts, task.WithOffset(n))
	}
	if values := splitValues(q["status"]); len(values) > 0 {
		statuses := make([]task.Status, 0, len(values))
		for _, v := range values {
			status := task.Status(v)
			if !task.IsValidStatus(status) {
				return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的任务状态: %s", v)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if values := splitValues(q["trigger"]); len(values) > 0 {
		triggers := make([]task.Trigger, 0, len(values))
		for _, v := range values {
			trigger := task.Trigger(v)
			if !task.IsValidTrigger(trigger) {
				return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "未知的触发类型: %s", v)
			}
			triggers = append(triggers, trigger)
		}
		opts = append(opts, task.WithTriggers(triggers...))
	}
	if raw := strings.TrimSpace(q.Get("session_id")); raw != "" {
		opts = append(opts, task.WithSessionID(raw))
	}
	if raw := q.Get("updated_since"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedSince(ts))
	}
	if raw := q.Get("updated_until"); raw != "" {
		ts, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedUntil(ts))
	}
	if raw := q.Get("has_result"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "has_result 参数无效: %s", raw)
		}
		opts = append(opts, task.WithResultPresence(v))
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "order 参数无效: %s", q.Get("order"))
	}
	if raw := strings.TrimSpace(q.Get("q")); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

func splitValues(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTime(raw string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Time{}, xerrors.Newf(xerrors.CodeInvalidArgument, "时间参数无效: %s", raw)
}
