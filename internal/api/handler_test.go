// Package api 提供了流程执行引擎的HTTP API处理程序。
// 该文件包含API处理器的单元测试，基于内存存储的真实引擎与 httptest。
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/engine"
	"github.com/oriys/procflow/internal/storage"
)

// orderSource 是测试用的最小流程：单个服务任务。
const orderSource = `
process order
start begin
service charge type=charge
end done
flow begin -> charge
flow charge -> done
`

// routeSource 带错误边界的流程。
const routeSource = `
process route
start begin
service charge type=charge
boundary-error declined host=charge code=card_declined interrupting
service notify type=notify
end done
flow begin -> charge
flow charge -> done
flow declined -> notify
flow notify -> done
`

func newTestServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	store := storage.NewMemoryStore()
	eng := engine.New(engine.Options{Store: store, Logger: logger})

	h := NewHandler(&HandlerConfig{
		Engine: eng,
		Store:  store,
		Logger: logger,
	})
	srv := httptest.NewServer(NewRouter(&RouterConfig{Handler: h, Logger: logger}))
	t.Cleanup(srv.Close)
	return srv, eng
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, fields
}

func unmarshalField(t *testing.T, fields map[string]json.RawMessage, key string, out interface{}) {
	t.Helper()
	raw, ok := fields[key]
	if !ok {
		t.Fatalf("response missing field %q", key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("unmarshal %q: %v", key, err)
	}
}

func deployAndStart(t *testing.T, srv *httptest.Server, source, payload string) (version, instanceID string) {
	t.Helper()
	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/processes", map[string]string{"source": source})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deploy status = %d", resp.StatusCode)
	}
	unmarshalField(t, fields, "bytecode_version", &version)

	resp, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances", domain.StartInstanceRequest{
		ProcessKey:      "order",
		BytecodeVersion: version,
		Payload:         payload,
		PayloadHash:     domain.HashPayload(payload),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	unmarshalField(t, fields, "id", &instanceID)
	return version, instanceID
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d", path, resp.StatusCode)
		}
	}
}

func TestDeployIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)

	_, f1 := doJSON(t, http.MethodPost, srv.URL+"/api/v1/processes", map[string]string{"source": orderSource})
	_, f2 := doJSON(t, http.MethodPost, srv.URL+"/api/v1/processes", map[string]string{"source": orderSource})

	var v1, v2 string
	unmarshalField(t, f1, "bytecode_version", &v1)
	unmarshalField(t, f2, "bytecode_version", &v2)
	if v1 == "" || v1 != v2 {
		t.Errorf("versions differ: %q vs %q", v1, v2)
	}
}

func TestCompileReportsDiagnostics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/compile", map[string]string{
		"source": "process broken\nstart begin\nflow begin -> nowhere",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("compile status = %d, want 422", resp.StatusCode)
	}
	if _, ok := fields["diagnostics"]; !ok {
		t.Error("expected diagnostics in compile error response")
	}
}

func TestStartUnknownVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	payload := `{"order":1}`
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances", domain.StartInstanceRequest{
		ProcessKey:      "order",
		BytecodeVersion: "deadbeef",
		Payload:         payload,
		PayloadHash:     domain.HashPayload(payload),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("start status = %d, want 404", resp.StatusCode)
	}
}

func TestStartPayloadHashMismatch(t *testing.T) {
	srv, _ := newTestServer(t)

	_, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/processes", map[string]string{"source": orderSource})
	var version string
	unmarshalField(t, fields, "bytecode_version", &version)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances", domain.StartInstanceRequest{
		ProcessKey:      "order",
		BytecodeVersion: version,
		Payload:         `{"order":1}`,
		PayloadHash:     "wrong",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("start status = %d, want 400", resp.StatusCode)
	}
}

func TestJobProtocolRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := `{"order":42}`
	_, instanceID := deployAndStart(t, srv, orderSource, payload)

	// 拉取任务
	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/activate", domain.ActivateJobsRequest{
		TaskTypes: []string{"charge"},
		MaxJobs:   1,
		WorkerID:  "w1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}
	var jobs []*domain.JobActivation
	unmarshalField(t, fields, "jobs", &jobs)
	if len(jobs) != 1 {
		t.Fatalf("activated %d jobs, want 1", len(jobs))
	}
	job := jobs[0]
	if job.InstanceID != instanceID || job.TaskType != "charge" {
		t.Errorf("unexpected activation: %+v", job)
	}

	// 携带过期摘要的完成请求被拒绝
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/jobs/%s/complete", srv.URL, job.JobKey), domain.CompleteJobRequest{
		Payload:     `{"order":42,"charged":true}`,
		PayloadHash: "stale",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale complete status = %d, want 409", resp.StatusCode)
	}

	// 正确的 CAS 令牌
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/jobs/%s/complete", srv.URL, job.JobKey), domain.CompleteJobRequest{
		Payload:     `{"order":42,"charged":true}`,
		PayloadHash: job.PayloadHash,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}

	// 二次完成返回 409
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/jobs/%s/complete", srv.URL, job.JobKey), domain.CompleteJobRequest{
		Payload:     `{}`,
		PayloadHash: job.PayloadHash,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double complete status = %d, want 409", resp.StatusCode)
	}

	// 实例进入终态
	resp, fields = doJSON(t, http.MethodGet, srv.URL+"/api/v1/instances/"+instanceID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get instance status = %d", resp.StatusCode)
	}
	var state string
	unmarshalField(t, fields, "state", &state)
	if state != string(domain.InstanceStateCompleted) {
		t.Errorf("instance state = %q, want completed", state)
	}
}

func TestInspectAndEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	_, instanceID := deployAndStart(t, srv, orderSource, `{"order":7}`)

	resp, fields := doJSON(t, http.MethodGet, srv.URL+"/api/v1/instances/"+instanceID+"/inspect", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("inspect status = %d", resp.StatusCode)
	}
	var fibers []domain.FiberSnapshot
	unmarshalField(t, fields, "fibers", &fibers)
	if len(fibers) != 1 {
		t.Fatalf("inspect fibers = %d, want 1", len(fibers))
	}
	if fibers[0].Wait == nil || fibers[0].Wait.Type != "job" {
		t.Errorf("fiber wait = %+v, want job wait", fibers[0].Wait)
	}

	resp, fields = doJSON(t, http.MethodGet, srv.URL+"/api/v1/instances/"+instanceID+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	var events []domain.Event
	unmarshalField(t, fields, "events", &events)
	if len(events) == 0 {
		t.Fatal("expected events")
	}
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Errorf("event %d has seq %d, want gapless", i, ev.Seq)
		}
	}
	if events[0].Type != domain.EventInstanceStarted {
		t.Errorf("first event = %q, want instance started", events[0].Type)
	}
}

func TestSignalWithoutWaiter(t *testing.T) {
	srv, _ := newTestServer(t)
	_, instanceID := deployAndStart(t, srv, orderSource, `{"order":9}`)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances/"+instanceID+"/signal", domain.SignalRequest{
		MessageName: "payment_received",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("signal status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelInstance(t *testing.T) {
	srv, _ := newTestServer(t)
	_, instanceID := deployAndStart(t, srv, orderSource, `{"order":3}`)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances/"+instanceID+"/cancel", domain.CancelRequest{Reason: "operator request"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	// 二次取消与终态实例上的操作返回 409
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances/"+instanceID+"/cancel", domain.CancelRequest{Reason: "again"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := `{"order":5}`
	_, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/processes", map[string]string{"source": routeSource})
	var version string
	unmarshalField(t, fields, "bytecode_version", &version)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances", domain.StartInstanceRequest{
		ProcessKey:      "route",
		BytecodeVersion: version,
		Payload:         payload,
		PayloadHash:     domain.HashPayload(payload),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var instanceID string
	unmarshalField(t, fields, "id", &instanceID)

	_, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/activate", domain.ActivateJobsRequest{
		TaskTypes: []string{"charge"}, MaxJobs: 1, WorkerID: "w1",
	})
	var jobs []*domain.JobActivation
	unmarshalField(t, fields, "jobs", &jobs)
	if len(jobs) != 1 {
		t.Fatalf("activated %d jobs, want 1", len(jobs))
	}

	// permanent 失败直接生成故障单
	resp, _ = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/jobs/%s/fail", srv.URL, jobs[0].JobKey), domain.FailJobRequest{
		ErrorClass: domain.ErrorClassPermanent,
		Message:    "downstream gone",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fail status = %d", resp.StatusCode)
	}

	resp, fields = doJSON(t, http.MethodGet, srv.URL+"/api/v1/incidents?instance_id="+instanceID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list incidents status = %d", resp.StatusCode)
	}
	var incidents []*domain.Incident
	unmarshalField(t, fields, "incidents", &incidents)
	if len(incidents) != 1 {
		t.Fatalf("open incidents = %d, want 1", len(incidents))
	}

	resp, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/incidents/"+incidents[0].ID+"/resolve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status = %d", resp.StatusCode)
	}
	var job domain.Job
	unmarshalField(t, fields, "job", &job)
	if job.TaskType != "charge" {
		t.Errorf("recreated job task type = %q, want charge", job.TaskType)
	}

	// 故障单已关闭
	resp, fields = doJSON(t, http.MethodGet, srv.URL+"/api/v1/incidents?instance_id="+instanceID, nil)
	unmarshalField(t, fields, "incidents", &incidents)
	if len(incidents) != 0 {
		t.Errorf("open incidents after resolve = %d, want 0", len(incidents))
	}
}

func TestBusinessErrorRoutesToBoundary(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := `{"order":6}`
	_, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/processes", map[string]string{"source": routeSource})
	var version string
	unmarshalField(t, fields, "bytecode_version", &version)

	doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances", domain.StartInstanceRequest{
		ProcessKey:      "route",
		BytecodeVersion: version,
		Payload:         payload,
		PayloadHash:     domain.HashPayload(payload),
	})

	_, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/activate", domain.ActivateJobsRequest{
		TaskTypes: []string{"charge"}, MaxJobs: 1, WorkerID: "w1",
	})
	var jobs []*domain.JobActivation
	unmarshalField(t, fields, "jobs", &jobs)
	if len(jobs) != 1 {
		t.Fatalf("activated %d jobs, want 1", len(jobs))
	}

	// 业务错误码命中错误边界，流转到 notify 任务
	doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/v1/jobs/%s/fail", srv.URL, jobs[0].JobKey), domain.FailJobRequest{
		ErrorClass: "card_declined",
		Message:    "insufficient funds",
	})

	_, fields = doJSON(t, http.MethodPost, srv.URL+"/api/v1/jobs/activate", domain.ActivateJobsRequest{
		TaskTypes: []string{"notify"}, MaxJobs: 1, WorkerID: "w2",
	})
	unmarshalField(t, fields, "jobs", &jobs)
	if len(jobs) != 1 || jobs[0].TaskType != "notify" {
		t.Fatalf("expected notify job after boundary routing, got %+v", jobs)
	}
}

func TestUnknownRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/v1/instances/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown instance status = %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/v1/jobs/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	deployAndStart(t, srv, orderSource, `{"order":1}`)

	resp, fields := doJSON(t, http.MethodGet, srv.URL+"/api/v1/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	var processes, instances, depth int
	unmarshalField(t, fields, "processes", &processes)
	unmarshalField(t, fields, "instances", &instances)
	unmarshalField(t, fields, "queue_depth", &depth)
	if processes != 1 || instances != 1 {
		t.Fatalf("processes = %d, instances = %d", processes, instances)
	}
	// 已启动实例的 charge 任务尚未被认领
	if depth != 1 {
		t.Fatalf("queue_depth = %d", depth)
	}
}

func TestRunInstanceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	_, instanceID := deployAndStart(t, srv, orderSource, `{"order":1}`)

	resp, fields := doJSON(t, http.MethodPost, srv.URL+"/api/v1/instances/"+instanceID+"/run", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d", resp.StatusCode)
	}
	var jobs []domain.Job
	unmarshalField(t, fields, "jobs", &jobs)
	if len(jobs) != 1 || jobs[0].TaskType != "charge" {
		t.Fatalf("unexpected pending jobs: %+v", jobs)
	}
}
