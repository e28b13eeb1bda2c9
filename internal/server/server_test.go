package server_test

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/wazuh/clusterd/internal/catalogue"
	"github.com/wazuh/clusterd/internal/protocol"
	"github.com/wazuh/clusterd/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) (socketPath string, store *catalogue.Store) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cluster.db")
	socketPath = filepath.Join(dir, "cluster_db")

	store, err := catalogue.Open(dbPath)
	if err != nil {
		t.Fatalf("catalogue.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := server.New(socketPath, store, testLogger())
	ln, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go srv.Serve(ln)
	return socketPath, store
}

// sendFrame dials socketPath, writes body as a single frame, and returns
// the server's reply.
func sendFrame(t *testing.T, socketPath, body string) string {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(protocol.Frame(body)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(buf[:n])
}

func TestServer_InsertThenCount(t *testing.T) {
	socketPath, _ := startServer(t)

	reply := sendFrame(t, socketPath, "count peer1")
	if reply != "0" {
		t.Fatalf("initial count = %q, want 0", reply)
	}

	reply = sendFrame(t, socketPath, "insert peer1 fileA")
	if reply != "Command OK" {
		t.Fatalf("insert reply = %q, want Command OK", reply)
	}

	reply = sendFrame(t, socketPath, "count peer1")
	if reply != "1" {
		t.Fatalf("count after insert = %q, want 1", reply)
	}
}

func TestServer_BulkInsertInOneFrame(t *testing.T) {
	socketPath, _ := startServer(t)

	reply := sendFrame(t, socketPath, "insert peer1 fileA insert peer1 fileB")
	if reply != "Command OK" {
		t.Fatalf("bulk insert reply = %q, want Command OK", reply)
	}

	reply = sendFrame(t, socketPath, "count peer1")
	if reply != "2" {
		t.Fatalf("count after bulk insert = %q, want 2", reply)
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	socketPath, _ := startServer(t)
	reply := sendFrame(t, socketPath, "frobnicate something")
	if reply != protocol.NothingToDo {
		t.Fatalf("reply = %q, want %q", reply, protocol.NothingToDo)
	}
}

func TestServer_ClearLastUpdateLastSelLast(t *testing.T) {
	socketPath, _ := startServer(t)

	if reply := sendFrame(t, socketPath, "clearlast"); reply != "Command OK" {
		t.Fatalf("clearlast reply = %q", reply)
	}
	if reply := sendFrame(t, socketPath, "updatelast 1700000000 3.25"); reply != "Command OK" {
		t.Fatalf("updatelast reply = %q", reply)
	}
	reply := sendFrame(t, socketPath, "sellast")
	if reply != "1700000000 3.250000" {
		t.Fatalf("sellast reply = %q, want 1700000000 3.250000", reply)
	}
}

func TestServer_TwoFramesOneConnection(t *testing.T) {
	socketPath, _ := startServer(t)

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.Write(protocol.Frame("count peer1"))
	conn.Write(protocol.Frame("insert peer1 fileA"))

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Replies carry no framing and may arrive in a single read, so read
	// exactly the length of each expected reply.
	buf1 := make([]byte, len("0"))
	n1, err := io.ReadFull(reader, buf1)
	if err != nil {
		t.Fatalf("read 1: %v", err)
	}
	if string(buf1[:n1]) != "0" {
		t.Fatalf("first reply = %q, want 0", string(buf1[:n1]))
	}

	buf2 := make([]byte, len("Command OK"))
	n2, err := io.ReadFull(reader, buf2)
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}
	if string(buf2[:n2]) != "Command OK" {
		t.Fatalf("second reply = %q, want Command OK", string(buf2[:n2]))
	}
}

func TestServer_SelResDefaultsToZero(t *testing.T) {
	socketPath, _ := startServer(t)
	reply := sendFrame(t, socketPath, "selres")
	if reply != "0" {
		t.Fatalf("selres = %q, want 0", reply)
	}

	sendFrame(t, socketPath, "insertres 1")
	reply = sendFrame(t, socketPath, "selres")
	if reply != "1" {
		t.Fatalf("selres after insertres 1 = %q, want 1", reply)
	}
}
