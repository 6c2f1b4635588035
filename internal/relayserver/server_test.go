package relayserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/Michael-24-wall/gridsync/internal/grid"
	"github.com/Michael-24-wall/gridsync/internal/wire"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := newMemoryStore(t)
	server := NewServer(store, ServerConfig{AuthToken: testToken})
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return server, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return resp
}

func createTestSpreadsheet(t *testing.T, ts *httptest.Server) SpreadsheetView {
	t.Helper()
	var view SpreadsheetView
	resp := doJSON(t, ts, http.MethodPost, "/v1/spreadsheets", map[string]string{"title": "Budget"}, &view)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create spreadsheet status = %d", resp.StatusCode)
	}
	return view
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
}

func TestRESTRequiresBearerToken(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/v1/spreadsheets/ss_1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/spreadsheets/ss_1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp2.StatusCode)
	}
}

func TestCellLifecycleOverREST(t *testing.T) {
	_, ts := newTestServer(t)
	view := createTestSpreadsheet(t, ts)
	sheetID := view.Sheets[0].ID

	var created grid.Cell
	resp := doJSON(t, ts, http.MethodPost, "/v1/cells", map[string]any{
		"sheet":  sheetID,
		"row":    1,
		"column": 2,
		"value":  "42",
	}, &created)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create cell status = %d", resp.StatusCode)
	}
	if created.ServerID == "" || created.Value != "42" {
		t.Fatalf("unexpected cell: %+v", created)
	}

	var patched grid.Cell
	resp = doJSON(t, ts, http.MethodPatch, "/v1/cells/"+created.ServerID, map[string]any{
		"value": "43",
		"style": map[string]string{"bold": "true"},
	}, &patched)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch cell status = %d", resp.StatusCode)
	}
	if patched.Value != "43" || patched.Style["bold"] != "true" {
		t.Fatalf("unexpected patched cell: %+v", patched)
	}

	var listing struct {
		Cells []grid.Cell `json:"cells"`
	}
	resp = doJSON(t, ts, http.MethodGet, "/v1/sheets/"+sheetID+"/cells", nil, &listing)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list cells status = %d", resp.StatusCode)
	}
	if len(listing.Cells) != 1 || listing.Cells[0].Value != "43" {
		t.Fatalf("unexpected listing: %+v", listing.Cells)
	}
}

func TestCreateCellValidation(t *testing.T) {
	_, ts := newTestServer(t)
	view := createTestSpreadsheet(t, ts)

	resp := doJSON(t, ts, http.MethodPost, "/v1/cells", map[string]any{
		"sheet": view.Sheets[0].ID,
		"value": "no coordinates",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, ts, http.MethodPost, "/v1/cells", map[string]any{
		"sheet":  "missing",
		"row":    0,
		"column": 0,
	}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func syncURL(ts *httptest.Server, spreadsheetID, user, name string) string {
	base := strings.Replace(ts.URL, "http://", "ws://", 1)
	return fmt.Sprintf("%s/v1/spreadsheets/%s/sync?token=%s&user_id=%s&username=%s",
		base, spreadsheetID, testToken, user, name)
}

func dialSync(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", url, err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "test done")
	})
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wire.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	ev, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode %s failed: %v", data, err)
	}
	return ev
}

func writeEvent(t *testing.T, conn *websocket.Conn, ev wire.Event) {
	t.Helper()
	data, err := wire.Encode(ev)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestSyncRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	view := createTestSpreadsheet(t, ts)

	base := strings.Replace(ts.URL, "http://", "ws://", 1)
	url := fmt.Sprintf("%s/v1/spreadsheets/%s/sync?token=wrong", base, view.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Fatalf("handshake with a bad token must fail")
	}
}

func TestSyncRejectsUnknownSpreadsheet(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, syncURL(ts, "missing", "u1", "amy"), nil); err == nil {
		t.Fatalf("handshake for an unknown spreadsheet must fail")
	}
}

func TestSyncWelcomeSequence(t *testing.T) {
	_, ts := newTestServer(t)
	view := createTestSpreadsheet(t, ts)

	conn := dialSync(t, syncURL(ts, view.ID, "u1", "amy"))

	if ev := readEvent(t, conn); ev.EventType() != wire.TypeConnectionSuccess {
		t.Fatalf("first event = %s, want connection_success", ev.EventType())
	}
	ev := readEvent(t, conn)
	roster, ok := ev.(wire.OnlineUsers)
	if !ok {
		t.Fatalf("second event = %s, want online_users", ev.EventType())
	}
	if len(roster.Users) != 1 || roster.Users[0].ID != "u1" {
		t.Fatalf("unexpected roster: %+v", roster.Users)
	}
}

func TestSyncHeartbeatAck(t *testing.T) {
	_, ts := newTestServer(t)
	view := createTestSpreadsheet(t, ts)

	conn := dialSync(t, syncURL(ts, view.ID, "u1", "amy"))
	readEvent(t, conn) // connection_success
	readEvent(t, conn) // online_users

	writeEvent(t, conn, wire.Heartbeat{Timestamp: 1})
	if ev := readEvent(t, conn); ev.EventType() != wire.TypeHeartbeatAck {
		t.Fatalf("got %s, want heartbeat_ack", ev.EventType())
	}
}

func TestSyncFanOutExcludesOriginator(t *testing.T) {
	_, ts := newTestServer(t)
	view := createTestSpreadsheet(t, ts)

	alice := dialSync(t, syncURL(ts, view.ID, "u1", "alice"))
	readEvent(t, alice) // connection_success
	readEvent(t, alice) // online_users

	bob := dialSync(t, syncURL(ts, view.ID, "u2", "bob"))
	readEvent(t, bob) // connection_success
	readEvent(t, bob) // online_users

	// Alice is told about Bob joining.
	ev := readEvent(t, alice)
	joined, ok := ev.(wire.UserJoined)
	if !ok || joined.UserID != "u2" {
		t.Fatalf("expected user_joined for u2, got %#v", ev)
	}

	value := "42"
	writeEvent(t, alice, wire.CellUpdate{
		SheetID: view.Sheets[0].ID,
		Row:     1,
		Column:  2,
		Value:   &value,
	})

	ev = readEvent(t, bob)
	update, ok := ev.(wire.CellUpdate)
	if !ok {
		t.Fatalf("expected cell_update, got %#v", ev)
	}
	if update.Row != 1 || update.Column != 2 || update.Value == nil || *update.Value != "42" {
		t.Fatalf("unexpected update: %+v", update)
	}

	// Alice sends a heartbeat; the ack proves her own cell_update was not
	// echoed back to her.
	writeEvent(t, alice, wire.Heartbeat{Timestamp: 1})
	if ev := readEvent(t, alice); ev.EventType() != wire.TypeHeartbeatAck {
		t.Fatalf("originator received %s, want heartbeat_ack only", ev.EventType())
	}
}

func TestSyncUserLeftBroadcast(t *testing.T) {
	_, ts := newTestServer(t)
	view := createTestSpreadsheet(t, ts)

	alice := dialSync(t, syncURL(ts, view.ID, "u1", "alice"))
	readEvent(t, alice)
	readEvent(t, alice)

	bobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bob, _, err := websocket.Dial(bobCtx, syncURL(ts, view.ID, "u2", "bob"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	readEvent(t, bob)
	readEvent(t, bob)
	readEvent(t, alice) // user_joined u2

	_ = bob.Close(websocket.StatusNormalClosure, "leaving")

	ev := readEvent(t, alice)
	left, ok := ev.(wire.UserLeft)
	if !ok || left.UserID != "u2" {
		t.Fatalf("expected user_left for u2, got %#v", ev)
	}
}

func TestSyncDropsMalformedAndKeepsServing(t *testing.T) {
	_, ts := newTestServer(t)
	view := createTestSpreadsheet(t, ts)

	conn := dialSync(t, syncURL(ts, view.ID, "u1", "amy"))
	readEvent(t, conn)
	readEvent(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"cell_update","row":"abc"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The connection survives the malformed frame.
	writeEvent(t, conn, wire.Heartbeat{Timestamp: 1})
	if ev := readEvent(t, conn); ev.EventType() != wire.TypeHeartbeatAck {
		t.Fatalf("got %s, want heartbeat_ack", ev.EventType())
	}
}
