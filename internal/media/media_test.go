package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\x0dIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type stubPicker struct {
	asset *LocalAsset
	err   error
}

func (s stubPicker) PickAsset(context.Context) (*LocalAsset, error) { return s.asset, s.err }

type recordingUploader struct {
	calls int
	url   string
	err   error
	got   *LocalAsset
}

func (u *recordingUploader) Upload(_ context.Context, a *LocalAsset) (string, error) {
	u.calls++
	u.got = a
	return u.url, u.err
}

func newPipeline(p Picker, u Uploader) *Pipeline {
	return &Pipeline{Picker: p, Uploader: u, Logger: zerolog.Nop()}
}

func TestAttachUploadsImage(t *testing.T) {
	up := &recordingUploader{url: "https://cdn.example/x.png"}
	p := newPipeline(stubPicker{asset: &LocalAsset{Name: "photo", Data: pngBytes}}, up)

	url, err := p.Attach(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/x.png", url)
	assert.Equal(t, "image/png", up.got.ContentType)
	assert.Equal(t, "photo.png", up.got.Name)
}

func TestAttachCancelled(t *testing.T) {
	up := &recordingUploader{url: "unused"}
	p := newPipeline(stubPicker{}, up)

	url, err := p.Attach(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, url)
	assert.Zero(t, up.calls)
}

func TestAttachRejectsNonImage(t *testing.T) {
	up := &recordingUploader{url: "unused"}
	p := newPipeline(stubPicker{asset: &LocalAsset{Name: "notes.txt", Data: []byte("just text")}}, up)

	_, err := p.Attach(context.Background())
	assert.ErrorIs(t, err, ErrNotImage)
	var ue *UploadError
	assert.ErrorAs(t, err, &ue)
	assert.Zero(t, up.calls)
}

func TestAttachWrapsUploaderFailure(t *testing.T) {
	boom := errors.New("503 service unavailable")
	p := newPipeline(stubPicker{asset: &LocalAsset{Name: "a.png", Data: pngBytes}}, &recordingUploader{err: boom})

	url, err := p.Attach(context.Background())
	assert.Empty(t, url)
	var ue *UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "a.png", ue.Name)
	assert.ErrorIs(t, err, boom)
}

func TestAttachEmptyURLIsFailure(t *testing.T) {
	p := newPipeline(stubPicker{asset: &LocalAsset{Name: "a.png", Data: pngBytes}}, &recordingUploader{})
	_, err := p.Attach(context.Background())
	var ue *UploadError
	assert.ErrorAs(t, err, &ue)
}

func TestAttachPickerError(t *testing.T) {
	p := newPipeline(stubPicker{err: errors.New("permission denied")}, &recordingUploader{})
	_, err := p.Attach(context.Background())
	assert.ErrorContains(t, err, "permission denied")
}

func TestPrepareSizeLimit(t *testing.T) {
	err := Prepare(&LocalAsset{Name: "a.png", Data: pngBytes}, 4)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFilePicker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cat.png")
	require.NoError(t, os.WriteFile(path, pngBytes, 0o644))

	fp := &FilePicker{Prompt: func(context.Context) (string, error) { return "  " + path + "\n", nil }}
	asset, err := fp.PickAsset(context.Background())
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, "cat.png", asset.Name)
	assert.Equal(t, "image/png", asset.ContentType)
	assert.Equal(t, int64(len(pngBytes)), asset.Size())

	cancel := &FilePicker{Prompt: func(context.Context) (string, error) { return "", nil }}
	asset, err = cancel.PickAsset(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, asset)

	missing := &FilePicker{Prompt: func(context.Context) (string, error) { return filepath.Join(dir, "nope.png"), nil }}
	_, err = missing.PickAsset(context.Background())
	assert.Error(t, err)

	small := &FilePicker{MaxSize: 2, Prompt: func(context.Context) (string, error) { return path, nil }}
	_, err = small.PickAsset(context.Background())
	assert.ErrorIs(t, err, ErrTooLarge)
}
