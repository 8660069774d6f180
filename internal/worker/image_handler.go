package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"ai-task-platform/internal/config"
	"ai-task-platform/internal/models"
)

// ImageTaskType is the task type served by ImageHandler.
const ImageTaskType = "image_preprocess"

// ModeFast trades resampling quality for speed.
const ModeFast = "fast"

const (
	defaultMaxImageBytes = 25 << 20
	fallbackWidth        = 320
)

// imageSink stores a processed image and returns where it ended up.
type imageSink interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageHandler prepares source images for vision agents. A task names a source URL and a
// list of steps (grayscale, resize, fit, crop, blur, sharpen, contrast); the processed
// image goes to the local output directory or to S3.
type ImageHandler struct {
	cfg   config.Config
	http  *http.Client
	sinks map[string]imageSink
}

type imageStep struct {
	Op     string  `json:"op"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
	Amount float64 `json:"amount,omitempty"`
}

type imageRequest struct {
	SourceURL   string      `json:"source_url"`
	OutputKey   string      `json:"output_key"`
	Destination string      `json:"destination"`
	Steps       []imageStep `json:"steps"`

	// Shorthand for steps [grayscale, resize] when Steps is empty.
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Grayscale *bool `json:"grayscale"`
}

type imageFormat struct {
	format imaging.Format
	ext    string
	mime   string
}

var imageFormats = map[string]imageFormat{
	"jpeg": {imaging.JPEG, "jpg", "image/jpeg"},
	"jpg":  {imaging.JPEG, "jpg", "image/jpeg"},
	"png":  {imaging.PNG, "png", "image/png"},
	"gif":  {imaging.GIF, "gif", "image/gif"},
	"tiff": {imaging.TIFF, "tiff", "image/tiff"},
}

// NewImageHandler builds the handler. The S3 sink exists only when IMAGE_S3_BUCKET is set.
func NewImageHandler(ctx context.Context, cfg config.Config) (*ImageHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dir := cfg.ImageOutputDir
	if dir == "" {
		dir = "./output"
	}
	h := &ImageHandler{
		cfg:   cfg,
		http:  &http.Client{Timeout: timeout},
		sinks: map[string]imageSink{"local": fileSink{dir: dir}},
	}
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.sinks["s3"] = s3Sink{client: client, bucket: cfg.ImageS3Bucket}
	}
	return h, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handle runs one preprocessing task and reports the stored location, dimensions and the
// steps that were applied.
func (h *ImageHandler) Handle(ctx context.Context, task models.AITask) (map[string]any, error) {
	req, err := h.parseRequest(task)
	if err != nil {
		return nil, err
	}
	sink, ok := h.sinks[req.Destination]
	if !ok {
		return nil, fmt.Errorf("destination %q is not configured", req.Destination)
	}

	raw, contentType, err := h.fetch(ctx, req.SourceURL)
	if err != nil {
		return nil, err
	}
	src, decoded, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	filter := imaging.Lanczos
	if task.Mode == ModeFast {
		filter = imaging.Box
	}
	img := src
	applied := make([]string, 0, len(req.Steps))
	for _, step := range req.Steps {
		if img, err = applyStep(img, step, filter); err != nil {
			return nil, err
		}
		applied = append(applied, step.Op)
	}

	out := outputFormat(req.OutputKey, decoded, contentType)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, out.format, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	key := req.OutputKey
	if key == "" {
		key = task.ID + "." + out.ext
	}
	location, err := sink.Put(ctx, cleanKey(key), buf.Bytes(), out.mime)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	return map[string]any{
		"output":        location,
		"width":         img.Bounds().Dx(),
		"height":        img.Bounds().Dy(),
		"source_width":  src.Bounds().Dx(),
		"source_height": src.Bounds().Dy(),
		"format":        out.ext,
		"bytes":         buf.Len(),
		"steps":         applied,
	}, nil
}

func (h *ImageHandler) parseRequest(task models.AITask) (imageRequest, error) {
	var req imageRequest
	raw, err := json.Marshal(task.Data)
	if err != nil {
		return req, fmt.Errorf("marshal task data: %w", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode task data: %w", err)
	}
	if req.SourceURL == "" {
		return req, errors.New("source_url is required")
	}
	if len(req.Steps) == 0 {
		if req.Width < 0 || req.Height < 0 {
			return req, errors.New("width and height must not be negative")
		}
		if req.Grayscale == nil || *req.Grayscale {
			req.Steps = append(req.Steps, imageStep{Op: "grayscale"})
		}
		w, ht := req.Width, req.Height
		if w == 0 && ht == 0 {
			w, ht = h.cfg.ImageDefaultWidth, h.cfg.ImageDefaultHeight
		}
		if w == 0 && ht == 0 {
			w = fallbackWidth
		}
		req.Steps = append(req.Steps, imageStep{Op: "resize", Width: w, Height: ht})
	}
	req.Destination = strings.ToLower(req.Destination)
	if req.Destination == "" {
		req.Destination = "local"
		if h.cfg.ImageS3Bucket != "" {
			req.Destination = "s3"
		}
	}
	return req, nil
}

func applyStep(img image.Image, step imageStep, filter imaging.ResampleFilter) (image.Image, error) {
	switch strings.ToLower(step.Op) {
	case "grayscale":
		return imaging.Grayscale(img), nil
	case "resize":
		if step.Width < 0 || step.Height < 0 || step.Width+step.Height == 0 {
			return nil, fmt.Errorf("resize needs a positive width or height")
		}
		return imaging.Resize(img, step.Width, step.Height, filter), nil
	case "fit":
		if step.Width <= 0 || step.Height <= 0 {
			return nil, fmt.Errorf("fit needs width and height")
		}
		return imaging.Fit(img, step.Width, step.Height, filter), nil
	case "crop":
		if step.Width <= 0 || step.Height <= 0 {
			return nil, fmt.Errorf("crop needs width and height")
		}
		return imaging.CropCenter(img, step.Width, step.Height), nil
	case "blur":
		return imaging.Blur(img, step.Amount), nil
	case "sharpen":
		return imaging.Sharpen(img, step.Amount), nil
	case "contrast":
		return imaging.AdjustContrast(img, step.Amount), nil
	default:
		return nil, fmt.Errorf("unknown image step %q", step.Op)
	}
}

// outputFormat picks the encoding from the output key's extension, then the decoded
// format, then the response content type. JPEG is the fallback.
func outputFormat(key, decoded, contentType string) imageFormat {
	if f, ok := imageFormats[strings.TrimPrefix(strings.ToLower(filepath.Ext(key)), ".")]; ok {
		return f
	}
	if f, ok := imageFormats[strings.ToLower(decoded)]; ok {
		return f
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imageFormats["png"]
	}
	return imageFormats["jpeg"]
}

func (h *ImageHandler) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit <= 0 {
		limit = defaultMaxImageBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// cleanKey keeps keys relative so a local sink never writes outside its directory.
func cleanKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

type fileSink struct {
	dir string
}

func (s fileSink) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Sink struct {
	client *s3.Client
	bucket string
}

func (s s3Sink) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}
