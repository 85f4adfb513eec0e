package upload_test

import (
	"bytes"
	"io"
	"log/slog"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/reconhub/internal/upload"
	"github.com/kiranshivaraju/reconhub/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type part struct {
	name, contentType, body string
}

// fileHeaders builds FileHeaders the way net/http does when parsing a form.
func fileHeaders(t *testing.T, parts ...part) []*multipart.FileHeader {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="files"; filename="`+p.name+`"`)
		h.Set("Content-Type", p.contentType)
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = io.WriteString(pw, p.body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { form.RemoveAll() })
	return form.File["files"]
}

func newStore(t *testing.T) (*upload.Store, string) {
	dir := t.TempDir()
	return upload.NewStore(workspace.Layout{DataDir: dir}, slog.New(slog.NewTextHandler(io.Discard, nil))), dir
}

func TestSave_KeepsOnlyImages(t *testing.T) {
	s, dataDir := newStore(t)

	up, err := s.Save(fileHeaders(t,
		part{"a.jpg", "image/jpeg", "aaa"},
		part{"notes.txt", "text/plain", "hello"},
		part{"b.PNG", "application/octet-stream", "bbb"},
	))
	require.NoError(t, err)
	assert.NotEmpty(t, up.ID)
	assert.Equal(t, []string{"a.jpg", "b.PNG"}, up.Files)
	assert.Equal(t, 2, up.FileCount)

	data, err := os.ReadFile(filepath.Join(dataDir, up.ID, "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(data))
	_, err = os.Stat(filepath.Join(dataDir, up.ID, "notes.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestSave_StripsDirectories(t *testing.T) {
	s, dataDir := newStore(t)

	up, err := s.Save(fileHeaders(t, part{"../../etc/evil.jpg", "image/jpeg", "x"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"evil.jpg"}, up.Files)
	_, err = os.Stat(filepath.Join(dataDir, up.ID, "evil.jpg"))
	assert.NoError(t, err)
}

func TestSave_NoImages(t *testing.T) {
	s, dataDir := newStore(t)

	_, err := s.Save(fileHeaders(t, part{"readme.md", "text/markdown", "#"}))
	assert.ErrorIs(t, err, upload.ErrNoImages)

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetAndDelete(t *testing.T) {
	s, _ := newStore(t)
	up, err := s.Save(fileHeaders(t,
		part{"1.jpg", "image/jpeg", "1"},
		part{"2.jpg", "image/jpeg", "2"},
		part{"3.jpg", "image/jpeg", "3"},
	))
	require.NoError(t, err)

	got, err := s.Get(up.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.FileCount)

	require.NoError(t, s.Delete(up.ID))
	_, err = s.Get(up.ID)
	assert.ErrorIs(t, err, upload.ErrNotFound)

	// Idempotent.
	assert.NoError(t, s.Delete(up.ID))
}

func TestGet_RejectsTraversal(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get("../results")
	assert.ErrorIs(t, err, upload.ErrInvalidID)
	assert.ErrorIs(t, s.Delete(".."), upload.ErrInvalidID)
}

func TestSave_CountMatchesGet(t *testing.T) {
	s, _ := newStore(t)

	up, err := s.Save(fileHeaders(t,
		part{"a.webp", "image/webp", "a"},
		part{"b.heic", "image/heic", "b"},
		part{"c.jpg", "image/jpeg", "c"},
		part{"scan", "image/png", "d"},
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"c.jpg", "scan.png"}, up.Files)

	got, err := s.Get(up.ID)
	require.NoError(t, err)
	assert.Equal(t, up.FileCount, got.FileCount)
	assert.ElementsMatch(t, up.Files, got.Files)
}

func TestSave_UnsupportedImageTypesOnly(t *testing.T) {
	s, _ := newStore(t)

	_, err := s.Save(fileHeaders(t,
		part{"a.webp", "image/webp", "a"},
		part{"b.heic", "image/heic", "b"},
	))
	assert.ErrorIs(t, err, upload.ErrNoImages)
}

func TestSave_RepeatedNamesKeepEveryImage(t *testing.T) {
	s, dataDir := newStore(t)

	up, err := s.Save(fileHeaders(t,
		part{"image.jpg", "image/jpeg", "first"},
		part{"image.jpg", "image/jpeg", "second"},
		part{"IMAGE.jpg", "image/jpeg", "third"},
	))
	require.NoError(t, err)
	assert.Equal(t, []string{"image.jpg", "image-1.jpg", "IMAGE-2.jpg"}, up.Files)

	got, err := s.Get(up.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.FileCount)

	data, err := os.ReadFile(filepath.Join(dataDir, up.ID, "image-1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}
