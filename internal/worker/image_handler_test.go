package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/models"
)

// servePNG serves a solid red w x h PNG.
func servePNG(t *testing.T, w, h int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "image/png")
		_, _ = rw.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestImageHandler_LocalResizeAndGrayscale(t *testing.T) {
	srv := servePNG(t, 10, 10)

	tempDir := t.TempDir()
	cfg := config.Config{
		ImageOutputDir:       tempDir,
		ImageDownloadTimeout: 2 * time.Second,
		ImageMaxBytes:        2 * 1024 * 1024,
		ImageDefaultWidth:    5,
	}

	handler, err := NewImageHandler(context.Background(), cfg)
	require.NoError(t, err)

	task := models.NewTask(ImageTaskType, models.PriorityNormal, map[string]any{
		"source_url": srv.URL,
		"grayscale":  true,
		"width":      5,
		"output_key": "thumbs/test.png",
	})

	result, err := handler.Handle(context.Background(), task)
	require.NoError(t, err)

	outputPath := filepath.Join(tempDir, "thumbs", "test.png")
	assert.Equal(t, outputPath, result["output"])
	assert.Equal(t, 5, result["width"])
	assert.Equal(t, "png", result["format"])
	assert.Equal(t, 10, result["source_width"])
	assert.Equal(t, []string{"grayscale", "resize"}, result["steps"])

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	outImg, _, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, 5, outImg.Bounds().Dx())
	r, g, b, _ := outImg.At(0, 0).RGBA()
	assert.True(t, r == g && g == b, "expected grayscale pixel, got r=%d g=%d b=%d", r, g, b)
}

func TestImageHandler_RejectsBadData(t *testing.T) {
	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir()})
	require.NoError(t, err)

	_, err = handler.Handle(context.Background(), models.NewTask(ImageTaskType, models.PriorityNormal, nil))
	assert.ErrorContains(t, err, "source_url")

	_, err = handler.Handle(context.Background(), models.NewTask(ImageTaskType, models.PriorityNormal, map[string]any{
		"source_url":  "ftp://example.invalid/a.png",
		"destination": "s3",
	}))
	assert.ErrorContains(t, err, "not configured")
}

func TestImageHandler_Steps(t *testing.T) {
	srv := servePNG(t, 40, 20)
	dir := t.TempDir()
	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: dir})
	require.NoError(t, err)

	task := models.NewTask(ImageTaskType, models.PriorityHigh, map[string]any{
		"source_url": srv.URL,
		"output_key": "../escape/out.jpg",
		"steps": []any{
			map[string]any{"op": "fit", "width": 20, "height": 20},
			map[string]any{"op": "crop", "width": 8, "height": 8},
			map[string]any{"op": "sharpen", "amount": 0.5},
		},
	})
	task.Mode = ModeFast

	result, err := handler.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, 8, result["width"])
	assert.Equal(t, 8, result["height"])
	assert.Equal(t, "jpg", result["format"])
	assert.Equal(t, filepath.Join(dir, "escape", "out.jpg"), result["output"])
	assert.Equal(t, []string{"fit", "crop", "sharpen"}, result["steps"])

	bad := models.NewTask(ImageTaskType, models.PriorityHigh, map[string]any{
		"source_url": srv.URL,
		"steps":      []any{map[string]any{"op": "rotate"}},
	})
	_, err = handler.Handle(context.Background(), bad)
	assert.ErrorContains(t, err, "unknown image step")
}

func TestOutputFormat(t *testing.T) {
	assert.Equal(t, "png", outputFormat("a.PNG", "jpeg", "").ext)
	assert.Equal(t, "gif", outputFormat("", "gif", "").ext)
	assert.Equal(t, "png", outputFormat("", "bmp", "image/png").ext)
	assert.Equal(t, "jpg", outputFormat("", "", "").ext)
	assert.Equal(t, "a/b.png", cleanKey("/../a/./b.png"))
}

func TestImageHandler_DownloadLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{0}, 64))
	}))
	defer srv.Close()

	handler, err := NewImageHandler(context.Background(), config.Config{ImageOutputDir: t.TempDir(), ImageMaxBytes: 16})
	require.NoError(t, err)
	_, err = handler.Handle(context.Background(), models.NewTask(ImageTaskType, models.PriorityNormal, map[string]any{"source_url": srv.URL}))
	assert.ErrorContains(t, err, "too large")
}
