package daemon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/dfchat/internal/client"
	"github.com/matheus3301/dfchat/internal/config"
	"github.com/matheus3301/dfchat/internal/lock"
	"github.com/matheus3301/dfchat/internal/session"
	"github.com/matheus3301/dfchat/internal/status"
)

// fakeService answers get_latest_messages with one chat.
func fakeService(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api", func(c *gin.Context) {
		switch c.PostForm("action") {
		case "get_latest_messages":
			c.JSON(http.StatusOK, []gin.H{{
				"chat_id":              1,
				"chat_created_at":      1000,
				"last_read_message_id": 10,
				"participants": []gin.H{
					{"id": 7, "name": "Me", "email": "me@example.com"},
					{"id": 20, "name": "Ana", "email": "ana@example.com"},
				},
				"messages": []gin.H{
					{"id": 10, "sender_id": 20, "content": "hello", "created_at": 2000},
				},
			}})
		case "signout":
			c.Status(http.StatusOK)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"message": "unexpected action"})
		}
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func startDaemon(t *testing.T, home, apiURL string) (*fxtest.App, *client.Client) {
	t.Helper()
	t.Setenv(session.HomeEnv, home)

	cfg := config.Default()
	cfg.APIURL = apiURL
	// Nothing listens here, so every dial fails fast.
	cfg.WSURL = "ws://127.0.0.1:1/ws/chat"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.Reconnect.HandshakeTimeout = config.Duration{Duration: time.Second}

	app := fxtest.New(t, Module(Params{SessionName: "test", Config: cfg}))
	app.RequireStart()
	t.Cleanup(app.RequireStop)

	c, err := client.New(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return app, c
}

func tempHome(t *testing.T) string {
	t.Helper()
	// Short path: unix socket paths are limited to ~104 bytes on some platforms.
	dir, err := os.MkdirTemp("/tmp", "dfchat-d-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func waitForStatus(t *testing.T, c *client.Client, want ...status.State) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		resp, err := c.Session(ctx, "GetStatus", nil)
		cancel()
		if err == nil {
			last = resp.AsMap()
			for _, s := range want {
				if last["status"] == string(s) {
					return last
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never reached %v; last = %v", want, last)
	return nil
}

func TestDaemonWithoutIdentityRequiresAuth(t *testing.T) {
	home := tempHome(t)
	_, c := startDaemon(t, home, fakeService(t).URL+"/api")

	resp := waitForStatus(t, c, status.AuthRequired)
	if resp["session"] != "test" {
		t.Errorf("session = %v, want test", resp["session"])
	}
	if resp["logged_in"] != false {
		t.Errorf("logged_in = %v, want false", resp["logged_in"])
	}

	info, err := os.Stat(session.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}

	// A second daemon for the same session must not start.
	_, err = lock.Acquire(session.LockPath("test"))
	var held *lock.LockHeldError
	if !errors.As(err, &held) {
		t.Errorf("second lock acquisition error = %v, want LockHeldError", err)
	}
}

func TestDaemonResumesStoredIdentity(t *testing.T) {
	home := tempHome(t)
	t.Setenv(session.HomeEnv, home)
	if err := session.SaveIdentity(session.IdentityPath("test"), session.Identity{UserID: 7, Token: "tok"}); err != nil {
		t.Fatal(err)
	}

	_, c := startDaemon(t, home, fakeService(t).URL+"/api")

	// The websocket dial fails, which leaves the session logged in but offline.
	resp := waitForStatus(t, c, status.Disconnected)
	if resp["user_id"] != float64(7) {
		t.Errorf("user_id = %v, want 7", resp["user_id"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := c.Chat(ctx, "ListConversations", nil)
	if err != nil {
		t.Fatal(err)
	}
	convs := list.Fields["conversations"].GetListValue().GetValues()
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if name := convs[0].GetStructValue().Fields["counterparty_name"].GetStringValue(); name != "Ana" {
		t.Errorf("counterparty = %q, want Ana", name)
	}

	// The archive mirrors the snapshot into the local cache.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := c.Session(ctx, "GetStatus", nil)
		if err != nil {
			t.Fatal(err)
		}
		if st.Fields["cached_messages"].GetNumberValue() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never mirrored the snapshot: %v", st.AsMap())
		}
		time.Sleep(10 * time.Millisecond)
	}

	found, err := c.Chat(ctx, "SearchMessages", map[string]any{"query": "hell"})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(found.Fields["results"].GetListValue().GetValues()); n != 1 {
		t.Errorf("search results = %d, want 1", n)
	}

	if _, err := c.Session(ctx, "Logout", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(session.IdentityPath("test")); !os.IsNotExist(err) {
		t.Errorf("identity file survived logout: %v", err)
	}
	waitForStatus(t, c, status.AuthRequired)
}
