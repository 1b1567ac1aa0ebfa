package workerproto

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeWorker answers one request per connection on the given service path.
func fakeWorker(t *testing.T, service string, respond func(req *Request) *Response) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+service {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(respond(&req))
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServiceURL(t *testing.T) {
	got, err := ServiceURL("ws://worker-1:2020", "static")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://worker-1:2020/static" {
		t.Errorf("ServiceURL = %q", got)
	}

	if _, err := ServiceURL("http://worker-1:2020", "static"); err == nil {
		t.Error("ServiceURL should reject non-ws schemes")
	}
}

func TestDispatch(t *testing.T) {
	srv := fakeWorker(t, "static", func(req *Request) *Response {
		if req.TargetModel != "claude-x" || req.TargetAppNumber != 3 {
			t.Errorf("request = %+v", req)
		}
		return &Response{
			Status: StatusSuccess,
			Analysis: Analysis{
				Findings:          []Finding{{Tool: "bandit", Severity: "high", Title: "hardcoded secret"}},
				ToolsUsed:         req.Tools,
				SeverityBreakdown: map[string]int{"high": 1},
			},
		}
	})

	client := NewClient(2*time.Second, 5*time.Second)
	resp, err := client.Dispatch(context.Background(), wsURL(srv), "static", &Request{
		TargetModel:     "claude-x",
		TargetAppNumber: 3,
		Tools:           []string{"bandit"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if !resp.OK() {
		t.Errorf("Status = %q, want success", resp.Status)
	}
	if len(resp.Analysis.Findings) != 1 {
		t.Errorf("Findings = %v, want 1", resp.Analysis.Findings)
	}
	if resp.Analysis.SeverityBreakdown["high"] != 1 {
		t.Errorf("SeverityBreakdown = %v", resp.Analysis.SeverityBreakdown)
	}
}

func TestDispatchWorkerError(t *testing.T) {
	srv := fakeWorker(t, "dynamic", func(*Request) *Response {
		return &Response{Status: StatusError, Error: "container failed to start"}
	})

	client := NewClient(2*time.Second, 5*time.Second)
	resp, err := client.Dispatch(context.Background(), wsURL(srv), "dynamic", &Request{Tools: []string{"nikto"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.OK() {
		t.Errorf("Status = %q, want error", resp.Status)
	}
	if resp.Error == "" {
		t.Error("Error message should be populated")
	}
}

func TestDispatchUnreachable(t *testing.T) {
	client := NewClient(500*time.Millisecond, time.Second)
	_, err := client.Dispatch(context.Background(), "ws://127.0.0.1:1", "static", &Request{})
	if err == nil {
		t.Error("Dispatch to unreachable endpoint should error")
	}
}

func TestProbe(t *testing.T) {
	srv := fakeWorker(t, "performance", func(*Request) *Response { return &Response{Status: StatusSuccess} })

	client := NewClient(2*time.Second, 5*time.Second)
	if err := client.Probe(context.Background(), wsURL(srv), "performance"); err != nil {
		t.Errorf("Probe = %v, want nil", err)
	}
	if err := client.Probe(context.Background(), "ws://127.0.0.1:1", "performance"); err == nil {
		t.Error("Probe against dead endpoint should fail")
	}
}
