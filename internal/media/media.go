package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
)

var (
	ErrNotImage = errors.New("media: file must be an image")
	ErrTooLarge = errors.New("media: file too large")
)

// LocalAsset is a picked file held in memory until it is uploaded.
type LocalAsset struct {
	Name        string
	ContentType string
	Data        []byte
}

func (a *LocalAsset) Size() int64 { return int64(len(a.Data)) }

// Picker asks the user for an asset. A nil asset with a nil error means
// the user cancelled.
type Picker interface {
	PickAsset(ctx context.Context) (*LocalAsset, error)
}

type Uploader interface {
	Upload(ctx context.Context, asset *LocalAsset) (string, error)
}

type UploaderFunc func(ctx context.Context, asset *LocalAsset) (string, error)

func (f UploaderFunc) Upload(ctx context.Context, asset *LocalAsset) (string, error) {
	return f(ctx, asset)
}

// UploadError is returned for any failure after an asset was picked.
type UploadError struct {
	Name string
	Err  error
}

func (e *UploadError) Error() string {
	if e.Name == "" {
		return "upload failed: " + e.Err.Error()
	}
	return fmt.Sprintf("upload failed: %s: %v", e.Name, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Pipeline turns a pick into a remote URL.
type Pipeline struct {
	Picker   Picker
	Uploader Uploader
	MaxSize  int64
	Logger   zerolog.Logger
}

// Attach runs pick then upload. On cancel it returns "" and a nil error.
// It never touches conversation state; the caller decides what to append.
func (p *Pipeline) Attach(ctx context.Context) (string, error) {
	asset, err := p.Picker.PickAsset(ctx)
	if err != nil {
		return "", fmt.Errorf("pick asset: %w", err)
	}
	if asset == nil {
		p.Logger.Debug().Msg("attachment cancelled")
		return "", nil
	}
	return p.Upload(ctx, asset)
}

// Upload validates an already picked asset and sends it.
func (p *Pipeline) Upload(ctx context.Context, asset *LocalAsset) (string, error) {
	if err := Prepare(asset, p.MaxSize); err != nil {
		return "", &UploadError{Name: asset.Name, Err: err}
	}

	url, err := p.Uploader.Upload(ctx, asset)
	if err != nil {
		var ue *UploadError
		if errors.As(err, &ue) {
			return "", ue
		}
		return "", &UploadError{Name: asset.Name, Err: err}
	}
	if url == "" {
		return "", &UploadError{Name: asset.Name, Err: errors.New("server returned no url")}
	}

	p.Logger.Info().Str("name", asset.Name).Int64("size", asset.Size()).Str("url", url).Msg("image uploaded")
	return url, nil
}

// Prepare fills in a missing content type from the file's bytes and
// checks that the asset is an image within maxSize (0 means no limit).
func Prepare(asset *LocalAsset, maxSize int64) error {
	detected := mimetype.Detect(asset.Data)
	if asset.ContentType == "" {
		asset.ContentType = detected.String()
	}
	if !IsImage(asset.ContentType) {
		return ErrNotImage
	}
	if maxSize > 0 && asset.Size() > maxSize {
		return ErrTooLarge
	}
	if filepath.Ext(asset.Name) == "" {
		asset.Name += detected.Extension()
	}
	return nil
}

func IsImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

// FilePicker picks a file from disk by asking Prompt for a path. An empty
// answer is a cancel.
type FilePicker struct {
	Prompt  func(ctx context.Context) (string, error)
	MaxSize int64
}

func (fp *FilePicker) PickAsset(ctx context.Context) (*LocalAsset, error) {
	path, err := fp.Prompt(ctx)
	if err != nil {
		return nil, err
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if fp.MaxSize > 0 && info.Size() > fp.MaxSize {
		return nil, ErrTooLarge
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &LocalAsset{
		Name:        filepath.Base(path),
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}, nil
}
