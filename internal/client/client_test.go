package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wjholden/tftpd/internal/backend"
	"github.com/wjholden/tftpd/internal/server"
	"github.com/wjholden/tftpd/internal/timer"
)

func startServer(t *testing.T, root string) *net.UDPAddr {
	t.Helper()
	be := backend.NewFilesystemBackend(root)
	d := server.NewDispatcher(&net.UDPAddr{IP: net.ParseIP("127.0.0.1")}, be, nil)

	conn, err := net.ListenUDP("udp", d.Addr)
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	d.Addr = conn.LocalAddr().(*net.UDPAddr)
	conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(20 * time.Millisecond)
	return d.Addr
}

func TestGetDownloadsRemoteFile(t *testing.T) {
	serverDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(serverDir, "remote.txt"), []byte("remote content"), 0o644); err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, serverDir)

	localDir := t.TempDir()
	localBackend := backend.NewFilesystemBackend(localDir)
	w, err := localBackend.GetWriter("local.txt")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Get(ctx, addr, "remote.txt", w, "octet", Options{}, timer.Real, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(localDir, "local.txt"))
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(got) != "remote content" {
		t.Errorf("got %q, want %q", got, "remote content")
	}
}

func TestPutUploadsLocalFile(t *testing.T) {
	serverDir := t.TempDir()
	addr := startServer(t, serverDir)

	localDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(localDir, "upload.txt"), []byte("local content"), 0o644); err != nil {
		t.Fatal(err)
	}
	localBackend := backend.NewFilesystemBackend(localDir)
	r, err := localBackend.GetReader("upload.txt")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Put(ctx, addr, "remote.txt", r, "octet", Options{}, timer.Real, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got, err := os.ReadFile(filepath.Join(serverDir, "remote.txt"))
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if string(got) != "local content" {
		t.Errorf("got %q, want %q", got, "local content")
	}
}
