package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	return map[string]Store{"fs": fsStore, "memory": NewMemory()}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			opts := PutOptions{ContentType: "application/octet-stream", Metadata: map[string]string{"study": "ST000123"}}
			info, err := st.Put(ctx, "exports/ST000123/data.parquet", strings.NewReader("payload"), opts)
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if info.Size != int64(len("payload")) {
				t.Fatalf("size = %d, want %d", info.Size, len("payload"))
			}
			got, rc, err := st.Get(ctx, "exports/ST000123/data.parquet")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			defer rc.Close()
			body, err := io.ReadAll(rc)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if string(body) != "payload" {
				t.Fatalf("body = %q", body)
			}
			if got.ContentType != "application/octet-stream" {
				t.Fatalf("content type = %q", got.ContentType)
			}
			if got.Metadata["study"] != "ST000123" {
				t.Fatalf("metadata = %v", got.Metadata)
			}
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.Put(ctx, "out.parquet", strings.NewReader("first"), PutOptions{}); err != nil {
				t.Fatalf("first Put: %v", err)
			}
			info, err := st.Put(ctx, "out.parquet", strings.NewReader("second run"), PutOptions{})
			if err != nil {
				t.Fatalf("second Put: %v", err)
			}
			if info.Size != int64(len("second run")) {
				t.Fatalf("size = %d", info.Size)
			}
			_, rc, err := st.Get(ctx, "out.parquet")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			body, _ := io.ReadAll(rc)
			rc.Close()
			if string(body) != "second run" {
				t.Fatalf("body = %q", body)
			}
		})
	}
}

func TestHeadAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.Head(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Head missing = %v, want ErrNotFound", err)
			}
			if _, err := st.Put(ctx, "a/b.txt", strings.NewReader("x"), PutOptions{}); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if info, err := st.Head(ctx, "a/b.txt"); err != nil || info.Size != 1 {
				t.Fatalf("Head = %+v, %v", info, err)
			}
			ok, err := st.Delete(ctx, "a/b.txt")
			if err != nil || !ok {
				t.Fatalf("Delete = %v, %v", ok, err)
			}
			ok, err = st.Delete(ctx, "a/b.txt")
			if err != nil || ok {
				t.Fatalf("second Delete = %v, %v", ok, err)
			}
			if _, _, err := st.Get(ctx, "a/b.txt"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListPrefix(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"exports/a.parquet", "exports/b.parquet", "other/c.parquet"} {
				if _, err := st.Put(ctx, key, strings.NewReader(key), PutOptions{}); err != nil {
					t.Fatalf("Put %s: %v", key, err)
				}
			}
			infos, err := st.List(ctx, "exports/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(infos) != 2 {
				t.Fatalf("len = %d, want 2", len(infos))
			}
			if infos[0].Key != "exports/a.parquet" || infos[1].Key != "exports/b.parquet" {
				t.Fatalf("keys = %s, %s", infos[0].Key, infos[1].Key)
			}
			all, err := st.List(ctx, "")
			if err != nil {
				t.Fatalf("List all: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("len all = %d", len(all))
			}
		})
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	st, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	ctx := context.Background()
	for _, key := range []string{"", "  ", "/abs/path", "../outside", "a/../../b"} {
		if _, err := st.Put(ctx, key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Fatalf("Put %q: want error", key)
		}
	}
}

func TestFilesystemURL(t *testing.T) {
	st, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystem: %v", err)
	}
	u, err := st.URL(context.Background(), "exports/out.parquet")
	if err != nil {
		t.Fatalf("URL: %v", err)
	}
	if !strings.HasPrefix(u, "file://") || !strings.HasSuffix(u, "/exports/out.parquet") {
		t.Fatalf("url = %q", u)
	}
}

func TestMemoryURLUnsupported(t *testing.T) {
	if _, err := NewMemory().URL(context.Background(), "k"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	t.Setenv("METALOADER_BLOB_DRIVER", "memory")
	st, err := Open(ctx)
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if st.Driver() != DriverMemory {
		t.Fatalf("driver = %s", st.Driver())
	}

	t.Setenv("METALOADER_BLOB_DRIVER", "fs")
	t.Setenv("METALOADER_BLOB_FS_ROOT", t.TempDir())
	st, err = Open(ctx)
	if err != nil {
		t.Fatalf("Open fs: %v", err)
	}
	if st.Driver() != DriverFilesystem {
		t.Fatalf("driver = %s", st.Driver())
	}

	t.Setenv("METALOADER_BLOB_DRIVER", "cloud9")
	if _, err := Open(ctx); err == nil {
		t.Fatal("want error for unknown driver")
	}
}
