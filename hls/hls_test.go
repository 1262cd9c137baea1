package hls

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timerzz/xload/resource"
	"github.com/timerzz/xload/transport/httprange"
)

var testKey = []byte("0123456789abcdef")

func segmentData(i int) []byte {
	return bytes.Repeat([]byte{byte('a' + i)}, 70_000+i*1000)
}

func encrypt(t *testing.T, data, iv []byte) []byte {
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)
	n := aes.BlockSize - len(data)%aes.BlockSize
	data = append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out
}

func playlist(segments int, keyLine string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:5\n")
	if keyLine != "" {
		b.WriteString(keyLine + "\n")
	}
	for i := 0; i < segments; i++ {
		fmt.Fprintf(&b, "#EXTINF:10.000,\nseg%d.ts\n", i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

func newServer(t *testing.T, list string, files map[string][]byte) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/media/")
		if name == "list.m3u8" {
			_, _ = w.Write([]byte(list))
			return
		}
		data, ok := files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, cfg Config) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	tr, err := httprange.New(httprange.Config{})
	require.NoError(t, err)
	defer tr.Release()
	scheduler := resource.NewScheduler(resource.Config{Mode: resource.ModeGreedy})
	go scheduler.Run(ctx)

	d := New(cfg, tr, scheduler)
	err = d.Run(ctx)
	<-d.Wait()
	if err == nil {
		complete, total := d.Progress()
		assert.Equal(t, total, complete)
	}
	return err
}

func TestDownloadPlaylist(t *testing.T) {
	files := map[string][]byte{}
	var want []byte
	for i := 0; i < 4; i++ {
		files[fmt.Sprintf("seg%d.ts", i)] = segmentData(i)
		want = append(want, segmentData(i)...)
	}
	srv := newServer(t, playlist(4, ""), files)

	dir := t.TempDir()
	require.NoError(t, run(t, Config{M3u8Url: srv.URL + "/media/list.m3u8", WorkDir: dir, SaveName: "out.ts", Parallel: 2}))

	got, err := os.ReadFile(filepath.Join(dir, "out.ts"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	_, err = os.Stat(filepath.Join(dir, "out.ts.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadEncryptedPlaylist(t *testing.T) {
	iv := []byte("fedcba9876543210")
	files := map[string][]byte{"key.bin": testKey}
	var want []byte
	for i := 0; i < 3; i++ {
		files[fmt.Sprintf("seg%d.ts", i)] = encrypt(t, segmentData(i), iv)
		want = append(want, segmentData(i)...)
	}
	keyLine := fmt.Sprintf(`#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x%x`, iv)
	srv := newServer(t, playlist(3, keyLine), files)

	dir := t.TempDir()
	require.NoError(t, run(t, Config{M3u8Url: srv.URL + "/media/list.m3u8", WorkDir: dir, SaveName: "out.ts"}))

	got, err := os.ReadFile(filepath.Join(dir, "out.ts"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownloadEncryptedWithSequenceIV(t *testing.T) {
	files := map[string][]byte{"key.bin": testKey}
	var want []byte
	for i := 0; i < 2; i++ {
		iv := make([]byte, aes.BlockSize)
		iv[aes.BlockSize-1] = byte(5 + i)
		files[fmt.Sprintf("seg%d.ts", i)] = encrypt(t, segmentData(i), iv)
		want = append(want, segmentData(i)...)
	}
	srv := newServer(t, playlist(2, `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`), files)

	dir := t.TempDir()
	require.NoError(t, run(t, Config{M3u8Url: srv.URL + "/media/list.m3u8", WorkDir: dir, SaveName: "out.ts"}))

	got, err := os.ReadFile(filepath.Join(dir, "out.ts"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDownloadPlaylistFromFile(t *testing.T) {
	files := map[string][]byte{"seg0.ts": segmentData(0)}
	srv := newServer(t, "", files)

	dir := t.TempDir()
	path := filepath.Join(dir, "list.m3u8")
	require.NoError(t, os.WriteFile(path, []byte(playlist(1, "")), 0o644))

	err := run(t, Config{M3u8Path: path, BaseUrl: srv.URL + "/media/", WorkDir: dir, SaveName: "out.ts"})
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "out.ts"))
	require.NoError(t, err)
	assert.Equal(t, segmentData(0), got)
}

func TestMasterPlaylist(t *testing.T) {
	srv := newServer(t, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nlow.m3u8\n", nil)
	err := run(t, Config{M3u8Url: srv.URL + "/media/list.m3u8", WorkDir: t.TempDir(), SaveName: "out.ts"})
	assert.True(t, errors.Is(err, ErrMasterPlaylist))
}

func TestMissingSegment(t *testing.T) {
	srv := newServer(t, playlist(2, ""), map[string][]byte{"seg0.ts": segmentData(0)})
	err := run(t, Config{M3u8Url: srv.URL + "/media/list.m3u8", WorkDir: t.TempDir(), SaveName: "out.ts"})
	var statusErr *httprange.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestSegmentPriority(t *testing.T) {
	assert.Equal(t, int8(100), segmentPriority(0))
	assert.Equal(t, int8(99), segmentPriority(1))
	assert.Equal(t, int8(0), segmentPriority(500))
}
