package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sema4ai/actionserver/pkg/storage"
	"github.com/sema4ai/actionserver/pkg/types"
)

// maxInvokeBody bounds an invocation payload
const maxInvokeBody = 16 << 20

// invoke executes an action identified by (package_slug, action_slug).
// The run id travels in a dedicated response header; a deferred
// acknowledgement additionally carries the async-completion marker.
func (s *Server) invoke(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInvokeBody))
	if err != nil {
		return types.NewError(types.ErrBadEnvelope, "reading request body: %v", err)
	}

	outcome, err := s.manager.Submit(c.Request().Context(),
		c.Param("package"), c.Param("action"), c.Request().Header, body)
	if err != nil {
		return err
	}

	c.Response().Header().Set(HeaderRunID, outcome.Run.ID)
	if outcome.Pending {
		c.Response().Header().Set(HeaderAsyncCompletion, "1")
		return c.JSON(http.StatusOK, nil)
	}

	if outcome.Run.Status == types.RunStatusPassed {
		return c.JSONBlob(http.StatusOK, resultOrNull(outcome.Run.Result))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": outcome.Run.Status,
		"error":  outcome.Run.Error,
	})
}

func resultOrNull(result json.RawMessage) []byte {
	if len(result) == 0 {
		return []byte("null")
	}
	return result
}

// runView is the JSON shape of a run on the query endpoints
type runView struct {
	ID          string          `json:"id"`
	Package     string          `json:"package"`
	Action      string          `json:"action"`
	Status      types.RunStatus `json:"status"`
	RunNumber   int64           `json:"run_number"`
	ArtifactDir string          `json:"artifact_dir"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	CreatedAt   string          `json:"created_at"`
	StartedAt   string          `json:"started_at,omitempty"`
	FinishedAt  string          `json:"finished_at,omitempty"`
}

func toView(run *types.Run) *runView {
	v := &runView{
		ID:          run.ID,
		Package:     run.PackageName,
		Action:      run.ActionName,
		Status:      run.Status,
		RunNumber:   run.RunNumber,
		ArtifactDir: run.ArtifactDir,
		Input:       run.Input,
		Result:      run.Result,
		Error:       run.Error,
		RequestID:   run.RequestID,
		CreatedAt:   run.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if run.StartedAt != nil {
		v.StartedAt = run.StartedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	if run.FinishedAt != nil {
		v.FinishedAt = run.FinishedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return v
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.manager.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, toView(run))
}

// runFields returns only the requested fields of a run
func (s *Server) runFields(c echo.Context) error {
	run, err := s.manager.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	fields := strings.Split(c.QueryParam("fields"), ",")
	full, err := json.Marshal(toView(run))
	if err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(full, &all); err != nil {
		return err
	}

	out := map[string]json.RawMessage{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listRuns(c echo.Context) error {
	filter := storage.RunFilter{
		Status:      types.RunStatus(c.QueryParam("status")),
		PackageName: c.QueryParam("package"),
		ActionName:  c.QueryParam("action"),
	}
	pageSize := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be 1..1000")
		}
		pageSize = n
	}

	page, err := s.manager.ListRuns(c.Request().Context(), filter, pageSize, c.QueryParam("cursor"))
	if err != nil {
		return err
	}

	views := make([]*runView, 0, len(page.Runs))
	for _, run := range page.Runs {
		views = append(views, toView(run))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"runs": views,
		"next": page.NextCursor,
	})
}

// runByRequestID resolves a client idempotency handle to its run id
func (s *Server) runByRequestID(c echo.Context) error {
	run, err := s.manager.FindRunByRequestID(c.Request().Context(),
		c.Param("package"), c.Param("action"), c.Param("rid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"run_id": run.ID})
}

func (s *Server) cancelRun(c echo.Context) error {
	if err := s.manager.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": true})
}

// setSecrets stores in-memory secret overrides for a package
func (s *Server) setSecrets(c echo.Context) error {
	if s.secrets == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "secrets storage is disabled")
	}

	var payload struct {
		Secrets map[string]string `json:"secrets"`
	}
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed body")
	}
	if len(payload.Secrets) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no secrets given")
	}

	if err := s.secrets.Set(c.Param("package"), payload.Secrets); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// listActions reports the catalog's current snapshot
func (s *Server) listActions(c echo.Context) error {
	snap := s.catalog.Current()
	type actionView struct {
		Name          string           `json:"name"`
		DisplayName   string           `json:"display_name,omitempty"`
		Kind          types.ActionKind `json:"kind"`
		InputSchema   json.RawMessage  `json:"input_schema,omitempty"`
		OutputSchema  json.RawMessage  `json:"output_schema,omitempty"`
		Consequential bool             `json:"consequential"`
		Version       int64            `json:"version"`
	}
	out := map[string][]actionView{}
	for slug, entry := range snap.Packages {
		views := make([]actionView, 0, len(entry.Actions))
		for _, a := range entry.Actions {
			views = append(views, actionView{
				Name:          a.Name,
				DisplayName:   a.DisplayName,
				Kind:          a.Kind,
				InputSchema:   a.InputSchema,
				OutputSchema:  a.OutputSchema,
				Consequential: a.Consequential,
				Version:       a.Version,
			})
		}
		out[slug] = views
	}
	return c.JSON(http.StatusOK, out)
}
