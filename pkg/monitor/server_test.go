package monitor

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"

	"hp45-host/pkg/burst"
	"hp45-host/pkg/dispatch"
	hosterrors "hp45-host/pkg/errors"
	"hp45-host/pkg/head"
	"hp45-host/pkg/journal"
	"hp45-host/pkg/printer"
	"hp45-host/pkg/reactor"
	"hp45-host/pkg/safety"
	"hp45-host/pkg/scanbuf"
	"hp45-host/pkg/sim"
)

type testServer struct {
	srv    *Server
	engine *printer.Engine
	safety *safety.Manager
	url    string
}

func newTestServer(t *testing.T, capacity int, withJournal bool) *testServer {
	t.Helper()
	buf, err := scanbuf.New(capacity)
	if err != nil {
		t.Fatalf("scanbuf.New: %v", err)
	}
	enc, err := burst.NewEncoder(burst.DefaultSplits, head.PulseLong, 0)
	if err != nil {
		t.Fatalf("burst.NewEncoder: %v", err)
	}
	hw := sim.New(0, 0)
	t.Cleanup(func() { hw.Close() })
	disp := dispatch.New(hw, sim.NewClock(), dispatch.DefaultOptions())
	hw.OnComplete(disp.Complete)

	engine, err := printer.New(buf, enc, disp, &printer.EncoderPosition{}, printer.Config{Enabled: true})
	if err != nil {
		t.Fatalf("printer.New: %v", err)
	}

	r := reactor.New()
	r.Run()
	t.Cleanup(func() {
		r.End()
		r.Wait()
	})

	sm := safety.New()
	sm.RegisterHead(engine)
	cfg := Config{Engine: engine, Reactor: r, Safety: sm, Interval: 20 * time.Millisecond}
	if withJournal {
		j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
		if err != nil {
			t.Fatalf("journal.Open: %v", err)
		}
		t.Cleanup(func() { j.Close() })
		cfg.Journal = j
	}
	srv := New(cfg)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned: %v", err)
		}
	})

	return &testServer{srv: srv, engine: engine, safety: sm, url: "http://" + ln.Addr().String()}
}

func (ts *testServer) post(t *testing.T, path string, body any) (int, []byte) {
	t.Helper()
	data, err := sonnet.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.url+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (ts *testServer) get(t *testing.T, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(ts.url + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

type statusResponse struct {
	Result struct {
		Eventtime float64        `json:"eventtime"`
		Status    printer.Status `json:"status"`
	} `json:"result"`
}

type linesResponse struct {
	Result linesResult `json:"result"`
}

func patternWords(word uint16) []uint16 {
	p := head.Fill(word)
	return p[:]
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, 16, false)

	code, body := ts.get(t, "/api/status")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got: %d %s", code, body)
	}
	var resp statusResponse
	if err := sonnet.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	st := resp.Result.Status
	if !st.Enabled {
		t.Error("expected head enabled")
	}
	if st.Capacity != 16 {
		t.Errorf("Capacity = %d, want 16", st.Capacity)
	}
	if st.Mode != "clearing" {
		t.Errorf("Mode = %q, want clearing", st.Mode)
	}

	code, _ = ts.post(t, "/api/status", map[string]any{})
	if code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got: %d", code)
	}
}

func TestPushLines(t *testing.T) {
	ts := newTestServer(t, 16, false)

	code, body := ts.post(t, "/api/lines", map[string]any{
		"lines": []lineRequest{
			{Position: 10, Pattern: patternWords(0x3FFF)},
			{Position: 20, Pattern: patternWords(0x0001)},
		},
	})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got: %d %s", code, body)
	}
	var resp linesResponse
	if err := sonnet.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Result.Accepted != 2 || resp.Result.Rejected != 0 {
		t.Errorf("accepted/rejected = %d/%d, want 2/0", resp.Result.Accepted, resp.Result.Rejected)
	}
	if resp.Result.WriteSpace != 13 {
		t.Errorf("WriteSpace = %d, want 13", resp.Result.WriteSpace)
	}

	st := ts.engine.Status()
	if st.ReadSpace[head.SideOdd] != 2 || st.ReadSpace[head.SideEven] != 2 {
		t.Errorf("ReadSpace = %v, want [2 2]", st.ReadSpace)
	}
	if st.Counters.Lines != 2 {
		t.Errorf("Counters.Lines = %d, want 2", st.Counters.Lines)
	}
}

func TestPushLinesPacked(t *testing.T) {
	ts := newTestServer(t, 16, false)

	b8 := bytes.Repeat([]byte{0xFF}, 38)
	code, body := ts.post(t, "/api/lines", map[string]any{
		"lines": []lineRequest{{Position: 5, B8: base64.StdEncoding.EncodeToString(b8)}},
	})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got: %d %s", code, body)
	}

	err := ts.engine.Do(func(buf *scanbuf.Buffer, _ *burst.Encoder) error {
		e, err := buf.Peek(head.SideOdd)
		if err != nil {
			return err
		}
		if e.Position != 5 {
			t.Errorf("Position = %d, want 5", e.Position)
		}
		if n := e.Pattern.Count(); n != head.Nozzles {
			t.Errorf("pattern has %d nozzles set, want %d", n, head.Nozzles)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
}

func TestPushLinesBufferFull(t *testing.T) {
	ts := newTestServer(t, 4, false)

	lines := make([]lineRequest, 5)
	for i := range lines {
		lines[i] = lineRequest{Position: int32(i), Pattern: patternWords(1)}
	}
	code, body := ts.post(t, "/api/lines", map[string]any{"lines": lines})
	if code != http.StatusOK {
		t.Fatalf("expected 200, got: %d %s", code, body)
	}
	var resp linesResponse
	if err := sonnet.Unmarshal(body, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Result.Accepted != 3 || resp.Result.Rejected != 2 {
		t.Errorf("accepted/rejected = %d/%d, want 3/2", resp.Result.Accepted, resp.Result.Rejected)
	}
	if resp.Result.Error == "" {
		t.Error("expected an error message for the rejected lines")
	}
	if resp.Result.WriteSpace != 0 {
		t.Errorf("WriteSpace = %d, want 0", resp.Result.WriteSpace)
	}
}

func TestPushLinesInvalid(t *testing.T) {
	ts := newTestServer(t, 16, false)

	tests := []struct {
		name  string
		lines []lineRequest
	}{
		{"no lines", nil},
		{"short pattern", []lineRequest{{Pattern: []uint16{1, 2, 3}}}},
		{"bits above primitive mask", []lineRequest{{Pattern: patternWords(0x8000)}}},
		{"two forms", []lineRequest{{Pattern: patternWords(1), B8: "AA=="}}},
		{"no form", []lineRequest{{Position: 3}}},
		{"bad base64", []lineRequest{{B8: "!!!"}}},
		{"short b6", []lineRequest{{B6: base64.StdEncoding.EncodeToString([]byte{1, 2})}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := ts.post(t, "/api/lines", map[string]any{"lines": tt.lines})
			if code != http.StatusBadRequest {
				t.Errorf("expected 400, got: %d %s", code, body)
			}
		})
	}

	if n := ts.engine.Status().Counters.Lines; n != 0 {
		t.Errorf("expected no lines queued, got: %d", n)
	}
}

func TestControl(t *testing.T) {
	ts := newTestServer(t, 16, false)
	no := false
	outOfRange := head.Nozzles

	tests := []struct {
		name  string
		req   controlRequest
		code  int
		check func(t *testing.T, st printer.Status)
	}{
		{"mode", controlRequest{Command: "mode", Mode: "looping"}, http.StatusOK,
			func(t *testing.T, st printer.Status) {
				if st.Mode != "looping" {
					t.Errorf("Mode = %q, want looping", st.Mode)
				}
			}},
		{"print mode", controlRequest{Command: "print_mode", PrintMode: "odd"}, http.StatusOK,
			func(t *testing.T, st printer.Status) {
				if st.PrintMode != "odd" {
					t.Errorf("PrintMode = %q, want odd", st.PrintMode)
				}
			}},
		{"side", controlRequest{Command: "side", Side: "even", Active: &no}, http.StatusOK,
			func(t *testing.T, st printer.Status) {
				if st.Active[head.SideEven] {
					t.Error("expected even side inactive")
				}
			}},
		{"pulse mode", controlRequest{Command: "pulse_mode", PulseMode: "short"}, http.StatusOK,
			func(t *testing.T, st printer.Status) {
				if st.PulseMode != "short" {
					t.Errorf("PulseMode = %q, want short", st.PulseMode)
				}
			}},
		{"splits", controlRequest{Command: "splits", Splits: 2}, http.StatusOK,
			func(t *testing.T, st printer.Status) {
				if st.Splits != 2 {
					t.Errorf("Splits = %d, want 2", st.Splits)
				}
			}},
		{"dpi", controlRequest{Command: "dpi", DPI: 300}, http.StatusOK, nil},
		{"disable", controlRequest{Command: "enable", Enabled: &no}, http.StatusOK,
			func(t *testing.T, st printer.Status) {
				if st.Enabled {
					t.Error("expected head disabled")
				}
			}},
		{"bad mode", controlRequest{Command: "mode", Mode: "spiral"}, http.StatusBadRequest, nil},
		{"bad splits", controlRequest{Command: "splits", Splits: 9}, http.StatusBadRequest, nil},
		{"bad dpi", controlRequest{Command: "dpi", DPI: 0}, http.StatusBadRequest, nil},
		{"side without active", controlRequest{Command: "side", Side: "odd"}, http.StatusBadRequest, nil},
		{"unknown", controlRequest{Command: "dance"}, http.StatusBadRequest, nil},
		{"missing", controlRequest{}, http.StatusBadRequest, nil},
		{"nozzle out of range", controlRequest{Command: "nozzle", Nozzle: &outOfRange}, http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := ts.post(t, "/api/control", tt.req)
			if code != tt.code {
				t.Fatalf("expected %d, got: %d %s", tt.code, code, body)
			}
			if tt.check == nil {
				return
			}
			var resp statusResponse
			if err := sonnet.Unmarshal(body, &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			tt.check(t, resp.Result.Status)
		})
	}
}

func TestControlClearAndPosition(t *testing.T) {
	ts := newTestServer(t, 16, false)

	ts.post(t, "/api/lines", map[string]any{
		"lines": []lineRequest{{Position: 1, Pattern: patternWords(1)}},
	})
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "clear"}); code != http.StatusOK {
		t.Fatalf("clear: %d %s", code, body)
	}
	if rs := ts.engine.Status().ReadSpace; rs != [2]int{0, 0} {
		t.Errorf("ReadSpace after clear = %v, want [0 0]", rs)
	}

	pos := int32(1234)
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "position", Position: &pos}); code != http.StatusOK {
		t.Fatalf("position: %d %s", code, body)
	}
	if got := ts.engine.Source().Position(0); got != pos {
		t.Errorf("Position = %d, want %d", got, pos)
	}
}

func TestControlFire(t *testing.T) {
	ts := newTestServer(t, 16, false)

	if code, body := ts.post(t, "/api/control", controlRequest{Command: "preheat"}); code != http.StatusBadRequest {
		t.Errorf("expected 400 without pulses, got: %d %s", code, body)
	}
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "prime", Pulses: maxPulses + 1}); code != http.StatusBadRequest {
		t.Errorf("expected 400 above %d pulses, got: %d %s", maxPulses, code, body)
	}
	if manual := ts.engine.Status().Counters.Manual; manual != 0 {
		t.Errorf("rejected request fired %d bursts", manual)
	}

	code, body := ts.post(t, "/api/control", controlRequest{Command: "preheat", Pulses: 3})
	if code != http.StatusOK {
		t.Fatalf("preheat: %d %s", code, body)
	}
	n := 42
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "nozzle", Nozzle: &n}); code != http.StatusOK {
		t.Fatalf("nozzle: %d %s", code, body)
	}
	if err := ts.engine.Dispatcher().WaitIdleTimeout(time.Second); err != nil {
		t.Fatalf("dispatcher never went idle: %v", err)
	}
	if manual := ts.engine.Status().Counters.Manual; manual != 4 {
		t.Errorf("Counters.Manual = %d, want 4", manual)
	}

	no := false
	ts.post(t, "/api/control", controlRequest{Command: "enable", Enabled: &no})
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "prime", Pulses: 1}); code != http.StatusConflict {
		t.Errorf("expected 409 with head disabled, got: %d %s", code, body)
	}
}

func TestWriteJSONError(t *testing.T) {
	ts := newTestServer(t, 16, false)

	rec := httptest.NewRecorder()
	ts.srv.writeJSONError(rec, hosterrors.RequestError("pulses", "too many"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var out struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := sonnet.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("error body is not JSON: %v: %s", err, rec.Body.String())
	}
	if out.Error.Code != http.StatusBadRequest || !strings.Contains(out.Error.Message, "too many") {
		t.Errorf("unexpected error body: %+v", out.Error)
	}
}

func TestEmergencyStop(t *testing.T) {
	ts := newTestServer(t, 16, false)

	if code, body := ts.post(t, "/api/control", controlRequest{Command: "clear_shutdown"}); code != http.StatusBadRequest {
		t.Errorf("expected 400 clearing while running, got: %d %s", code, body)
	}
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "emergency_stop"}); code != http.StatusOK {
		t.Fatalf("emergency_stop: %d %s", code, body)
	}
	if ts.engine.Enabled() {
		t.Error("expected head disabled after emergency stop")
	}
	if st := ts.safety.Status(); st.ShutdownReason != string(safety.ReasonEmergencyStop) {
		t.Errorf("ShutdownReason = %q, want %q", st.ShutdownReason, safety.ReasonEmergencyStop)
	}

	yes := true
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "enable", Enabled: &yes}); code != http.StatusConflict {
		t.Errorf("expected 409 enabling while shut down, got: %d %s", code, body)
	}
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "clear_shutdown"}); code != http.StatusOK {
		t.Fatalf("clear_shutdown: %d %s", code, body)
	}
	if code, body := ts.post(t, "/api/control", controlRequest{Command: "enable", Enabled: &yes}); code != http.StatusOK {
		t.Fatalf("enable: %d %s", code, body)
	}
	if !ts.engine.Enabled() {
		t.Error("expected head enabled after clearing the shutdown")
	}
}

func TestHistory(t *testing.T) {
	ts := newTestServer(t, 16, true)

	code, body := ts.post(t, "/api/control", controlRequest{Command: "job_start", Name: "labels"})
	if code != http.StatusOK {
		t.Fatalf("job_start: %d %s", code, body)
	}
	if code, _ := ts.post(t, "/api/control", controlRequest{Command: "job_start"}); code != http.StatusConflict {
		t.Errorf("expected 409 for second job_start, got: %d", code)
	}
	ts.post(t, "/api/lines", map[string]any{
		"lines": []lineRequest{
			{Position: 1, Pattern: patternWords(1)},
			{Position: 2, Pattern: patternWords(2)},
		},
	})
	code, body = ts.post(t, "/api/control", controlRequest{Command: "job_finish"})
	if code != http.StatusOK {
		t.Fatalf("job_finish: %d %s", code, body)
	}
	var finished struct {
		Result journal.Job `json:"result"`
	}
	if err := sonnet.Unmarshal(body, &finished); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if finished.Result.Lines != 2 || finished.Result.Status != journal.StatusCompleted {
		t.Errorf("finished job = %+v, want 2 lines completed", finished.Result)
	}

	code, body = ts.get(t, "/api/history?limit=5")
	if code != http.StatusOK {
		t.Fatalf("history: %d %s", code, body)
	}
	var hist struct {
		Result struct {
			Count int            `json:"count"`
			Jobs  []*journal.Job `json:"jobs"`
		} `json:"result"`
	}
	if err := sonnet.Unmarshal(body, &hist); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if hist.Result.Count != 1 || hist.Result.Jobs[0].Name != "labels" {
		t.Errorf("history = %+v, want one job named labels", hist.Result)
	}

	if code, _ := ts.get(t, "/api/history?limit=x"); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got: %d", code)
	}

	code, body = ts.get(t, "/api/history/totals")
	if code != http.StatusOK {
		t.Fatalf("totals: %d %s", code, body)
	}
	var totals struct {
		Result struct {
			JobTotals journal.Totals `json:"job_totals"`
		} `json:"result"`
	}
	if err := sonnet.Unmarshal(body, &totals); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if totals.Result.JobTotals.TotalJobs != 1 || totals.Result.JobTotals.TotalLines != 2 {
		t.Errorf("totals = %+v, want 1 job with 2 lines", totals.Result.JobTotals)
	}
}

func TestHistoryWithoutJournal(t *testing.T) {
	ts := newTestServer(t, 16, false)
	if code, _ := ts.get(t, "/api/history"); code != http.StatusNotFound {
		t.Errorf("expected 404, got: %d", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, 16, false)
	req, _ := http.NewRequest(http.MethodOptions, ts.url+"/api/lines", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

type wsMessage struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  []any          `json:"params"`
	ID      any            `json:"id"`
	Result  map[string]any `json:"result"`
	Error   *jsonRPCError  `json:"error"`
}

func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wsMessage
	if err := sonnet.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return msg
}

func TestWebSocket(t *testing.T) {
	ts := newTestServer(t, 16, false)

	wsURL := "ws" + ts.url[len("http"):] + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := readWS(t, conn)
	if first.Method != "notify_status" || len(first.Params) != 2 {
		t.Fatalf("expected notify_status with 2 params, got: %+v", first)
	}

	send := func(v any) {
		data, err := sonnet.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "printer.control",
		"params":  map[string]any{"command": "mode", "mode": "static"},
		"id":      7,
	})
	send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "printer.fly",
		"id":      8,
	})

	var reply, failure *wsMessage
	deadline := time.Now().Add(2 * time.Second)
	for (reply == nil || failure == nil) && time.Now().Before(deadline) {
		msg := readWS(t, conn)
		switch msg.ID {
		case float64(7):
			reply = &msg
		case float64(8):
			failure = &msg
		}
	}
	if reply == nil || reply.Error != nil {
		t.Fatalf("expected a result for id 7, got: %+v", reply)
	}
	st, _ := reply.Result["status"].(map[string]any)
	if st["mode"] != "static" {
		t.Errorf("mode = %v, want static", st["mode"])
	}
	if failure == nil || failure.Error == nil {
		t.Fatalf("expected an error for id 8, got: %+v", failure)
	}

	if ts.srv.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", ts.srv.ClientCount())
	}
}
