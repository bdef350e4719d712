//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/familyshield/familyd/internal/config"
	"github.com/familyshield/familyd/internal/daemon"
)

const roleHeader = "X-Familyd-Role"

// harness runs one daemon instance on a throwaway socket and database.
type harness struct {
	cfg    config.Config
	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

func startDaemon() *harness {
	dir, err := os.MkdirTemp("", "familyd-test-*")
	Expect(err).NotTo(HaveOccurred())

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.SocketPath = filepath.Join(dir, "familyd.sock")
	cfg.Approval.SweepInterval = config.Duration(100 * time.Millisecond)
	cfg.Heartbeat.DefaultInterval = config.Duration(200 * time.Millisecond)
	cfg.Heartbeat.SuspectGrace = config.Duration(300 * time.Millisecond)
	cfg.Heartbeat.SweepInterval = config.Duration(100 * time.Millisecond)
	cfg.Ingest.WarnThresholds = []int64{300, 60}

	d, err := daemon.New(cfg, zap.NewNop())
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()

	h := &harness{
		cfg:    cfg,
		cancel: cancel,
		done:   done,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var dialer net.Dialer
					return dialer.DialContext(ctx, "unix", cfg.SocketPath)
				},
			},
			Timeout: 5 * time.Second,
		},
	}

	Eventually(func() error {
		_, err := os.Stat(cfg.SocketPath)
		return err
	}, "3s", "50ms").Should(Succeed(), "socket should appear")
	return h
}

func (h *harness) stop() {
	h.cancel()
	Eventually(h.done, "5s").Should(BeClosed())
	os.RemoveAll(h.cfg.DataDir)
}

// call posts one dispatch envelope and decodes the JSON response.
func (h *harness) call(role, method string, args map[string]any) (int, map[string]any) {
	body, err := json.Marshal(map[string]any{"method": method, "args": args})
	Expect(err).NotTo(HaveOccurred())

	req, err := http.NewRequest(http.MethodPost, "http://familyd/v1/call", bytes.NewReader(body))
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set(roleHeader, role)

	resp, err := h.client.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var decoded map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
	return resp.StatusCode, decoded
}

func (h *harness) callOK(role, method string, args map[string]any) map[string]any {
	status, body := h.call(role, method, args)
	ExpectWithOffset(1, status).To(Equal(http.StatusOK), fmt.Sprintf("%s as %s: %v", method, role, body))
	return body
}

// subscribe opens the websocket signal stream as a role and feeds signal
// names into a channel until the connection closes.
func (h *harness) subscribe(role string) (<-chan string, func()) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", h.cfg.SocketPath)
		},
	}
	header := http.Header{}
	header.Set(roleHeader, role)
	conn, _, err := dialer.Dial("ws://familyd/v1/signals", header)
	Expect(err).NotTo(HaveOccurred())

	signals := make(chan string, 32)
	go func() {
		defer close(signals)
		for {
			var payload struct {
				Signal string `json:"signal"`
			}
			if err := conn.ReadJSON(&payload); err != nil {
				return
			}
			signals <- payload.Signal
		}
	}()

	// The upgrade response lands before the hub registers the subscriber;
	// give the registration a moment so the first signal is not dropped.
	time.Sleep(100 * time.Millisecond)
	return signals, func() { conn.Close() }
}

var _ = Describe("familyd gateway", func() {
	var h *harness

	BeforeEach(func() {
		h = startDaemon()
	})

	AfterEach(func() {
		h.stop()
	})

	It("creates a profile and activates it", func() {
		h.callOK("parent", "create_profile", map[string]any{
			"profile_id":           "kid1",
			"display_name":         "Alex",
			"class":                "family",
			"blocked_apps":         []string{"steam"},
			"daily_screen_seconds": 3600,
		})
		h.callOK("parent", "set_active_profile", map[string]any{"profile_id": "kid1"})

		body := h.callOK("family", "get_active_profile", nil)
		Expect(body["id"]).To(Equal("kid1"))
		Expect(body["display_name"]).To(Equal("Alex"))
	})

	It("enforces the role matrix over the wire", func() {
		status, _ := h.call("family", "add_time", map[string]any{"profile_id": "kid1", "seconds": 600})
		Expect(status).To(Equal(http.StatusForbidden))

		status, _ = h.call("monitor", "create_profile", map[string]any{"profile_id": "kid1"})
		Expect(status).To(Equal(http.StatusForbidden))

		req, err := http.NewRequest(http.MethodPost, "http://familyd/v1/call",
			bytes.NewReader([]byte(`{"method":"get_active_profile"}`)))
		Expect(err).NotTo(HaveOccurred())
		resp, err := h.client.Do(req) // no role header at all
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})

	Context("with a family profile", func() {
		BeforeEach(func() {
			h.callOK("parent", "create_profile", map[string]any{
				"profile_id":           "kid1",
				"class":                "family",
				"blocked_apps":         []string{"steam"},
				"daily_screen_seconds": 3600,
			})
		})

		It("blocks listed applications and allows the rest", func() {
			body := h.callOK("family", "check_application_allowed", map[string]any{
				"profile_id": "kid1", "application": "steam",
			})
			Expect(body["decision"]).To(Equal("deny"))
			Expect(body["reason"]).To(Equal("blocked_application"))

			body = h.callOK("family", "check_application_allowed", map[string]any{
				"profile_id": "kid1", "application": "firefox",
			})
			Expect(body["decision"]).To(Equal("allow"))
		})

		It("folds reported activity into the remaining budget", func() {
			h.callOK("monitor", "register_monitor", map[string]any{
				"monitor_id": "app-monitor", "pid": os.Getpid(), "interval_seconds": 60,
			})
			h.callOK("monitor", "report_activity", map[string]any{
				"event_id": "ev-1", "monitor_id": "app-monitor",
				"profile_id": "kid1", "application": "firefox", "duration_seconds": 600,
			})

			Eventually(func() float64 {
				body := h.callOK("family", "get_remaining_time", map[string]any{"profile_id": "kid1"})
				return body["remaining_seconds"].(float64)
			}, "3s", "50ms").Should(Equal(float64(3000)))
		})

		It("denies everything once the budget is exhausted", func() {
			h.callOK("monitor", "register_monitor", map[string]any{
				"monitor_id": "app-monitor", "pid": os.Getpid(), "interval_seconds": 60,
			})
			h.callOK("monitor", "report_activity", map[string]any{
				"event_id": "ev-1", "monitor_id": "app-monitor",
				"profile_id": "kid1", "application": "firefox", "duration_seconds": 4000,
			})

			Eventually(func() any {
				body := h.callOK("family", "check_application_allowed", map[string]any{
					"profile_id": "kid1", "application": "firefox",
				})
				return body["decision"]
			}, "3s", "50ms").Should(Equal("deny"))
		})

		It("walks an approval request from pending to approved", func() {
			body := h.callOK("family", "request_parent_permission", map[string]any{
				"profile_id": "kid1", "application": "minecraft",
			})
			requestID := body["id"].(string)
			Expect(body["status"]).To(Equal("pending"))

			// Duplicate submission returns the same request.
			again := h.callOK("family", "request_parent_permission", map[string]any{
				"profile_id": "kid1", "application": "minecraft",
			})
			Expect(again["id"]).To(Equal(requestID))

			session := h.callOK("parent", "authenticate_parent", map[string]any{"parent_id": "mom"})
			token := session["token"].(string)

			resolveBody, err := json.Marshal(map[string]any{
				"method":        "resolve_request",
				"session_token": token,
				"args":          map[string]any{"request_id": requestID, "approve": true},
			})
			Expect(err).NotTo(HaveOccurred())
			req, err := http.NewRequest(http.MethodPost, "http://familyd/v1/call", bytes.NewReader(resolveBody))
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set(roleHeader, "parent")
			resp, err := h.client.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			status := h.callOK("family", "get_request_status", map[string]any{"request_id": requestID})
			Expect(status["status"]).To(Equal("approved"))
			Expect(status["resolved_by"]).To(Equal("mom"))

			check := h.callOK("family", "check_application_allowed", map[string]any{
				"profile_id": "kid1", "application": "minecraft",
			})
			Expect(check["decision"]).To(Equal("allow"))
		})

		It("classifies terminal commands through the filter", func() {
			body := h.callOK("monitor", "classify_command", map[string]any{
				"profile_id": "kid1", "command": "sudo rm -rf /",
			})
			Expect(body["decision"]).To(Equal("deny"))

			body = h.callOK("monitor", "classify_command", map[string]any{
				"profile_id": "kid1", "command": "cowsay moo",
			})
			Expect(body["decision"]).To(Equal("needs_approval"))
		})
	})

	Describe("signal fan-out", func() {
		It("delivers policy_updated to subscribers", func() {
			signals, closeSub := h.subscribe("parent")
			defer closeSub()

			h.callOK("parent", "create_profile", map[string]any{
				"profile_id": "kid1", "class": "family",
			})

			Eventually(signals, "3s").Should(Receive(Equal("policy_updated")))
		})

		It("reports tampering to parents when a monitor goes silent", func() {
			signals, closeSub := h.subscribe("parent")
			defer closeSub()

			// A dead PID and no heartbeats: the liveness sweep escalates
			// through Suspect to Tampered.
			h.callOK("monitor", "register_monitor", map[string]any{
				"monitor_id": "app-monitor", "pid": 999999999, "interval_seconds": 0,
			})

			Eventually(signals, "5s").Should(Receive(Equal("tamper_detected")))
		})

		It("withholds tamper_detected from family subscribers", func() {
			signals, closeSub := h.subscribe("family")
			defer closeSub()

			h.callOK("monitor", "register_monitor", map[string]any{
				"monitor_id": "app-monitor", "pid": 999999999, "interval_seconds": 0,
			})

			Consistently(signals, "2s").ShouldNot(Receive(Equal("tamper_detected")))
		})
	})
})
