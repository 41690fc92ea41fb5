package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/probehub/backend/internal/core/ports"
	"github.com/probehub/backend/internal/core/services"
	"github.com/probehub/backend/internal/core/services/logstream"
	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/infrastructure/logger"
)

type fakeTasks struct {
	startErr    error
	started     []ports.StartTaskInput
	tasks       map[string]*domain.Task
	live        map[string][]domain.LogEvent
	stop        *domain.StopResult
	transcripts map[string][]string
}

func (f *fakeTasks) StartTask(ctx context.Context, input ports.StartTaskInput) (*domain.Task, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, input)
	return &domain.Task{ID: input.TaskID, Kind: input.Kind, State: domain.TaskStateStarting, Params: input.Params}, nil
}

func (f *fakeTasks) StopTask(ctx context.Context, taskID string) (*domain.StopResult, error) {
	if f.stop == nil {
		return nil, services.ErrTaskNotFound
	}
	return f.stop, nil
}

func (f *fakeTasks) GetTask(taskID string) (*domain.Task, error) {
	if t, ok := f.tasks[taskID]; ok {
		return t, nil
	}
	return nil, services.ErrTaskNotFound
}

func (f *fakeTasks) ListTasks() []*domain.Task {
	out := make([]*domain.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t)
	}
	return out
}

// Subscribe hands out a subscriber preloaded with the task's scripted events.
func (f *fakeTasks) Subscribe(taskID string) (*logstream.Subscriber, error) {
	events, ok := f.live[taskID]
	if !ok {
		return nil, services.ErrTaskNotFound
	}
	sub := logstream.NewSubscriber(taskID, len(events)+1, 0)
	if len(events) == 0 {
		sub.Close()
		return sub, nil
	}
	for _, ev := range events[:len(events)-1] {
		sub.Deliver(ev)
	}
	sub.Complete(events[len(events)-1])
	return sub, nil
}

func (f *fakeTasks) Transcript(taskID string) ([]string, error) {
	if t, ok := f.transcripts[taskID]; ok {
		return t, nil
	}
	return nil, services.ErrTaskNotFound
}

type fakeReports struct {
	report *domain.Report
	err    error
}

func (f *fakeReports) GetReportPath(taskID string) string {
	return "/opt/frida_reports/frida_report_" + taskID + ".xls"
}

func (f *fakeReports) ReportInfo(taskID string) (*domain.ReportInfo, error) {
	if err := services.ValidateTaskID(taskID); err != nil {
		return nil, err
	}
	return &domain.ReportInfo{TaskID: taskID, Path: f.GetReportPath(taskID), FileName: "frida_report_" + taskID + ".xls"}, nil
}

func (f *fakeReports) FetchReport(ctx context.Context, taskID string) (*domain.Report, error) {
	return f.report, f.err
}

type fakeUploads struct {
	names []string
}

func (f *fakeUploads) Upload(ctx context.Context, originalName string, size int64, src io.Reader) (*domain.UploadedFile, error) {
	if !strings.HasSuffix(originalName, ".apk") {
		return nil, services.ErrUploadInvalid
	}
	f.names = append(f.names, originalName)
	return &domain.UploadedFile{OriginalName: originalName, FileName: "x_" + originalName, Size: size}, nil
}

type fakeDishes struct {
	deleted  []uint
	exported *domain.DishFilter
}

func (f *fakeDishes) List(ctx context.Context, filter domain.DishFilter) ([]domain.Dish, int64, error) {
	return []domain.Dish{{ID: 1, Name: "Mapo Tofu"}}, 1, nil
}

func (f *fakeDishes) Get(ctx context.Context, id uint) (*domain.Dish, error) {
	return nil, services.ErrDishNotFound
}

func (f *fakeDishes) Create(ctx context.Context, dish *domain.Dish) error {
	dish.ID = 9
	return nil
}

func (f *fakeDishes) Update(ctx context.Context, dish *domain.Dish) error { return nil }

func (f *fakeDishes) Delete(ctx context.Context, ids []uint) error {
	f.deleted = ids
	return nil
}

func (f *fakeDishes) Export(ctx context.Context, filter domain.DishFilter) ([]byte, error) {
	f.exported = &filter
	return []byte("xlsx-bytes"), nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Warning string          `json:"warning"`
	Data    json.RawMessage `json:"data"`
}

func testApp(tasks *fakeTasks, reports *fakeReports) *fiber.App {
	log := logger.NewNop()
	app := fiber.New()

	th := NewTaskHandler(tasks, "http://sandbox:6080/vnc_lite.html", log)
	lh := NewLogHandler(tasks, log)
	rh := NewReportHandler(reports, tasks, log)

	app.Post("/tasks", th.StartTask)
	app.Post("/analysis/dynamic/start", th.StartDynamic)
	app.Post("/analysis/privacy/start", th.StartPrivacy)
	app.Get("/tasks/:id", th.GetTask)
	app.Post("/tasks/:id/stop", th.StopTask)
	app.Get("/tasks/:id/logs", lh.Stream)
	app.Get("/tasks/:id/report", rh.Download)
	app.Get("/tasks/:id/report/info", rh.Info)
	app.Get("/tasks/:id/transcript", rh.Transcript)
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, target, body string) (*http.Response, envelope) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, env
}

func TestStartHandlers(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		body     string
		startErr error
		want     int
		wantKind domain.JobKind
	}{
		{"dynamic", "/analysis/dynamic/start", `{"task_id":"t1","apk_path":"/opt/apk/a.apk"}`, nil, fiber.StatusAccepted, domain.JobKindDynamic},
		{"dynamic without apk", "/analysis/dynamic/start", `{"task_id":"t1"}`, nil, fiber.StatusBadRequest, ""},
		{"privacy", "/analysis/privacy/start", `{"package_name":"com.x.y","duration":60}`, nil, fiber.StatusAccepted, domain.JobKindPrivacy},
		{"generic", "/tasks", `{"kind":"dynamic","params":{"apk_path":"/a.apk"}}`, nil, fiber.StatusAccepted, domain.JobKindDynamic},
		{"generic without kind", "/tasks", `{}`, nil, fiber.StatusBadRequest, ""},
		{"malformed", "/tasks", `{`, nil, fiber.StatusBadRequest, ""},
		{"kind busy", "/tasks", `{"kind":"privacy"}`, services.ErrJobKindBusy, fiber.StatusConflict, ""},
		{"duplicate", "/tasks", `{"kind":"privacy"}`, services.ErrTaskAlreadyRunning, fiber.StatusConflict, ""},
		{"unknown kind", "/tasks", `{"kind":"static"}`, services.ErrUnknownJobKind, fiber.StatusBadRequest, ""},
		{"shutting down", "/tasks", `{"kind":"privacy"}`, services.ErrShuttingDown, fiber.StatusServiceUnavailable, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := &fakeTasks{startErr: tt.startErr}
			resp, env := doJSON(t, testApp(tasks, &fakeReports{}), "POST", tt.target, tt.body)

			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.want, env.Message)
			}
			if tt.want != fiber.StatusAccepted {
				if env.Success {
					t.Error("failure reported as success")
				}
				return
			}
			if !env.Success || len(tasks.started) != 1 || tasks.started[0].Kind != tt.wantKind {
				t.Errorf("started = %+v, env = %+v", tasks.started, env)
			}
			if !strings.Contains(string(env.Data), "vnc_lite.html") {
				t.Errorf("data %s lacks vnc url", env.Data)
			}
		})
	}
}

func TestStartPrivacy_Params(t *testing.T) {
	tasks := &fakeTasks{}
	body := `{"package_name":"com.x.y","duration":60,"mode":"attach","modules":"camera"}`
	doJSON(t, testApp(tasks, &fakeReports{}), "POST", "/analysis/privacy/start", body)

	if len(tasks.started) != 1 {
		t.Fatal("task not started")
	}
	p := tasks.started[0].Params
	if p["package_name"] != "com.x.y" || p["duration"] != "60" || p["mode"] != "attach" || p["modules"] != "camera" {
		t.Errorf("params = %v", p)
	}
}

func TestGetTask(t *testing.T) {
	tasks := &fakeTasks{tasks: map[string]*domain.Task{"t1": {ID: "t1", State: domain.TaskStateCompleted}}}
	app := testApp(tasks, &fakeReports{})

	resp, env := doJSON(t, app, "GET", "/tasks/t1", "")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(env.Data), `"state":"completed"`) {
		t.Errorf("status = %d, data = %s", resp.StatusCode, env.Data)
	}

	resp, _ = doJSON(t, app, "GET", "/tasks/ghost", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("missing task status = %d", resp.StatusCode)
	}
}

func TestStopTask(t *testing.T) {
	tasks := &fakeTasks{stop: &domain.StopResult{
		TaskID: "t1",
		State:  domain.TaskStateStopped,
		Actions: []domain.CleanupOutcome{
			{Name: "kill_analysis_script", OK: true},
			{Name: "kill_frida_in_container", OK: false, Error: "timeout"},
		},
	}}

	resp, env := doJSON(t, testApp(tasks, &fakeReports{}), "POST", "/tasks/t1/stop", "")
	if resp.StatusCode != fiber.StatusOK || !env.Success {
		t.Fatalf("status = %d, env = %+v", resp.StatusCode, env)
	}
	if env.Warning == "" {
		t.Error("failed cleanup action should surface a warning")
	}

	resp, _ = doJSON(t, testApp(&fakeTasks{}, &fakeReports{}), "POST", "/tasks/t9/stop", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("unknown task stop status = %d", resp.StatusCode)
	}
}

func readSSE(t *testing.T, app *fiber.App, target string) (*http.Response, []string) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", target, nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, line := range strings.Split(string(raw), "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			types = append(types, name)
		}
	}
	return resp, types
}

func TestStreamLogs(t *testing.T) {
	tasks := &fakeTasks{live: map[string][]domain.LogEvent{
		"t1": {
			{Type: domain.LogEventConnected, TaskID: "t1", State: "running"},
			{Type: domain.LogEventLog, TaskID: "t1", Data: "line 1\nline 2"},
			{Type: domain.LogEventCompleted, TaskID: "t1", State: "completed"},
		},
	}}

	resp, types := readSSE(t, testApp(tasks, &fakeReports{}), "/tasks/t1/logs")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := strings.Join(types, ","); got != "connected,log,completed" {
		t.Errorf("events = %s", got)
	}
}

func TestStreamLogs_FinishedTask(t *testing.T) {
	tasks := &fakeTasks{tasks: map[string]*domain.Task{"t2": {ID: "t2", State: domain.TaskStateStopped}}}

	_, types := readSSE(t, testApp(tasks, &fakeReports{}), "/tasks/t2/logs")
	if got := strings.Join(types, ","); got != "connected,completed" {
		t.Errorf("events = %s", got)
	}

	resp, _ := doJSON(t, testApp(tasks, &fakeReports{}), "GET", "/tasks/ghost/logs", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("unknown task status = %d", resp.StatusCode)
	}
}

func TestDownloadReport(t *testing.T) {
	reports := &fakeReports{report: &domain.Report{
		Name:        "frida_report_t1_recovered.xlsx",
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Body:        []byte("PK-xlsx"),
		Warning:     "no privacy events captured",
		Regenerated: true,
	}}

	resp, err := testApp(&fakeTasks{}, reports).Test(httptest.NewRequest("GET", "/tasks/t1/report", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || string(body) != "PK-xlsx" {
		t.Fatalf("status = %d, body = %q", resp.StatusCode, body)
	}
	if resp.Header.Get(reportWarningHeader) != "no privacy events captured" {
		t.Errorf("warning header = %q", resp.Header.Get(reportWarningHeader))
	}
	if !strings.Contains(resp.Header.Get("Content-Disposition"), "frida_report_t1_recovered.xlsx") {
		t.Errorf("Content-Disposition = %q", resp.Header.Get("Content-Disposition"))
	}
}

func TestDownloadReport_Errors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrReportNotFound, fiber.StatusNotFound},
		{services.ErrRegenerationFailed, fiber.StatusBadGateway},
		{services.ErrInvalidTaskID, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		resp, env := doJSON(t, testApp(&fakeTasks{}, &fakeReports{err: tt.err}), "GET", "/tasks/t1/report", "")
		if resp.StatusCode != tt.want || env.Success {
			t.Errorf("%v: status = %d", tt.err, resp.StatusCode)
		}
	}
}

func TestReportInfo(t *testing.T) {
	resp, env := doJSON(t, testApp(&fakeTasks{}, &fakeReports{}), "GET", "/tasks/1714557600123/report/info", "")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(env.Data), "frida_report_1714557600123.xls") {
		t.Errorf("status = %d, data = %s", resp.StatusCode, env.Data)
	}
}

func TestTranscript(t *testing.T) {
	tasks := &fakeTasks{transcripts: map[string][]string{"t1": {"a", "b", "APP行为：定位"}}}

	resp, err := testApp(tasks, &fakeReports{}).Test(httptest.NewRequest("GET", "/tasks/t1/transcript", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	zr, err := gzip.NewReader(resp.Body)
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "a\nb\nAPP行为：定位" {
		t.Errorf("transcript = %q", plain)
	}
}

func TestUpload(t *testing.T) {
	uploads := &fakeUploads{}
	app := fiber.New()
	app.Post("/uploads", NewUploadHandler(uploads, logger.NewNop()).Upload)

	send := func(files map[string]string) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for name, content := range files {
			fw, err := mw.CreateFormFile("files", name)
			if err != nil {
				t.Fatal(err)
			}
			fw.Write([]byte(content))
		}
		mw.Close()
		req := httptest.NewRequest("POST", "/uploads", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	if resp := send(map[string]string{"a.apk": "1", "b.apk": "22"}); resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if len(uploads.names) != 2 {
		t.Errorf("uploaded %v", uploads.names)
	}
	if resp := send(map[string]string{"notes.txt": "x"}); resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("invalid file status = %d", resp.StatusCode)
	}
	if resp := send(nil); resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("empty form status = %d", resp.StatusCode)
	}
}

func TestDishHandler(t *testing.T) {
	dishes := &fakeDishes{}
	h := NewDishHandler(dishes, logger.NewNop())
	app := fiber.New()
	app.Get("/dishes", h.List)
	app.Post("/dishes", h.Create)
	app.Get("/dishes/:id", h.Get)
	app.Delete("/dishes/:ids", h.Delete)

	resp, env := doJSON(t, app, "GET", "/dishes?page_num=2&page_size=5", "")
	if resp.StatusCode != fiber.StatusOK || !strings.Contains(string(env.Data), `"total":1`) {
		t.Errorf("list status = %d, data = %s", resp.StatusCode, env.Data)
	}

	resp, env = doJSON(t, app, "POST", "/dishes", `{"name":"Kung Pao","price_cents":1800}`)
	if resp.StatusCode != fiber.StatusCreated || !strings.Contains(string(env.Data), `"status":1`) {
		t.Errorf("create status = %d, data = %s", resp.StatusCode, env.Data)
	}

	if resp, _ := doJSON(t, app, "GET", "/dishes/7", ""); resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("get missing status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, app, "DELETE", "/dishes/1,2,3", "")
	if resp.StatusCode != fiber.StatusOK || len(dishes.deleted) != 3 {
		t.Errorf("delete status = %d, deleted = %v", resp.StatusCode, dishes.deleted)
	}
	if resp, _ := doJSON(t, app, "DELETE", "/dishes/1,x", ""); resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad ids status = %d", resp.StatusCode)
	}
}

func TestDishHandler_Export(t *testing.T) {
	dishes := &fakeDishes{}
	h := NewDishHandler(dishes, logger.NewNop())
	app := fiber.New()
	app.Get("/dishes/export", h.Export)

	resp, err := app.Test(httptest.NewRequest("GET", "/dishes/export?category=sichuan&status=1", nil))
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != fiber.StatusOK || string(body) != "xlsx-bytes" {
		t.Fatalf("status = %d, body = %q", resp.StatusCode, body)
	}
	if cd := resp.Header.Get(fiber.HeaderContentDisposition); !strings.Contains(cd, "dishes.xlsx") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if dishes.exported == nil || dishes.exported.Category != "sichuan" || dishes.exported.Status == nil || *dishes.exported.Status != 1 {
		t.Errorf("exported filter = %+v", dishes.exported)
	}

	if resp, _ := doJSON(t, app, "GET", "/dishes/export?status=x", ""); resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad status filter = %d", resp.StatusCode)
	}
}
