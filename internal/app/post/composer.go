package post

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/hickar/mailpost/internal/app/exif"
	"github.com/hickar/mailpost/internal/app/geocode"
	"github.com/hickar/mailpost/internal/app/mailer"
	"github.com/hickar/mailpost/internal/app/storage"
	"github.com/hickar/mailpost/internal/pkg/logger"
)

const jpegContentType = "image/jpeg"

type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

type Geocoder interface {
	Reverse(ctx context.Context, lat, lon float64) (*geocode.Place, error)
}

type publisher interface {
	Exists(slug string) (bool, error)
	Publish(ctx context.Context, draft Draft) (Result, error)
}

type ComposerOptions struct {
	ImagePrefix   string // Object key prefix for photos.
	Layout        string
	Category      string
	ImageTemplate string // Line appended to the body per image, empty disables.
	HTMLFallback  bool   // Accept HTML-only messages.
}

// Draft is a composed post ready to be written.
type Draft struct {
	Slug        string
	Frontmatter Frontmatter
	Body        string
	Author      mailer.Address
	Date        time.Time
	Subject     string
}

// Composer turns an inbound message into a post.
type Composer struct {
	store     ObjectStore
	geocoder  Geocoder
	publisher publisher
	opts      ComposerOptions
	imageTmpl *imageTemplate
	logger    *slog.Logger
}

// NewComposer builds a Composer. geocoder may be nil to skip reverse geocoding.
func NewComposer(
	store ObjectStore,
	geocoder Geocoder,
	publisher publisher,
	opts ComposerOptions,
	logger *slog.Logger,
) (*Composer, error) {
	tmpl, err := parseImageTemplate(opts.ImageTemplate)
	if err != nil {
		return nil, err
	}

	return &Composer{
		store:     store,
		geocoder:  geocoder,
		publisher: publisher,
		opts:      opts,
		imageTmpl: tmpl,
		logger:    logger,
	}, nil
}

// Handle runs the whole pipeline for one message. Conflicts are reported
// with ErrPostExists or ErrImageExists, malformed input with
// ErrInvalidMessage or *mailer.DateParseError; see Classify.
func (c *Composer) Handle(ctx context.Context, msg *mailer.Message) (Result, error) {
	ctx = logger.WithAttrs(ctx, slog.String("message_id", msg.MessageID))
	c.logger.DebugContext(ctx, "processing message",
		slog.String("from", msg.From.Address),
		slog.String("subject", msg.Subject),
	)

	date, err := mailer.ParseDate(msg.Date)
	if err != nil {
		return Result{}, err
	}

	text, err := c.bodyText(msg)
	if err != nil {
		return Result{}, err
	}
	if msg.From.Address == "" {
		return Result{}, fmt.Errorf("%w: missing From address", ErrInvalidMessage)
	}

	slug := Slug(date, msg.Subject)
	ctx = logger.WithAttrs(ctx, slog.String("slug", slug))

	exists, err := c.publisher.Exists(slug)
	if err != nil {
		return Result{}, fmt.Errorf("check post: %w", err)
	}
	if exists {
		return Result{}, fmt.Errorf("%w: %s", ErrPostExists, slug)
	}

	body, tags := CleanBody(text)
	builder := NewFrontmatterBuilder(date, msg.Subject, msg.From.Address).
		Layout(c.opts.Layout).
		Categories(c.opts.Category).
		Tags(tags...)

	var lines []imageTemplateData
	used := make(map[string]struct{})
	for i, photo := range msg.JPEGs() {
		name := uniqueFilename(photoFilename(photo.Filename, i+1), used)

		img, err := c.processImage(ctx, slug, name, photo.Body)
		if err != nil {
			return Result{}, err
		}

		builder.AddImage(img)
		lines = append(lines, imageTemplateData{Key: img.Key, Path: img.Path, Filename: name})
	}

	fm, err := builder.Build()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	body, err = c.imageTmpl.appendTo(body, lines)
	if err != nil {
		return Result{}, err
	}

	return c.publisher.Publish(ctx, Draft{
		Slug:        slug,
		Frontmatter: fm,
		Body:        body,
		Author:      msg.From,
		Date:        date,
		Subject:     msg.Subject,
	})
}

// HandleRaw parses a raw RFC 5322 message and hands it to Handle. A message
// that cannot be parsed is an input error.
func (c *Composer) HandleRaw(ctx context.Context, r io.Reader) (Result, error) {
	msg, err := mailer.ReadMessage(r)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	return c.Handle(ctx, msg)
}

func (c *Composer) bodyText(msg *mailer.Message) (string, error) {
	if text, ok := msg.PlainText(); ok {
		return text, nil
	}

	if c.opts.HTMLFallback {
		text, ok, err := msg.HTMLText()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		if ok {
			return text, nil
		}
	}

	return "", fmt.Errorf("%w: no text/plain body part", ErrInvalidMessage)
}

func (c *Composer) processImage(ctx context.Context, slug, name string, data []byte) (Image, error) {
	key := path.Join(c.opts.ImagePrefix, slug, name)
	img := Image{Key: ImageKey(name), Path: key}

	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		return img, fmt.Errorf("check image %s: %w", key, err)
	}
	if exists {
		return img, fmt.Errorf("%w: %s", ErrImageExists, key)
	}

	c.logger.DebugContext(ctx, "processing image", slog.String("key", key))

	photo := bytes.NewReader(data)
	img.EXIF, err = exif.Render(photo)
	if err != nil {
		c.logger.DebugContext(ctx, "incomplete exif data", slog.String("key", key), slog.Any("error", err))
	}

	if loc := img.EXIF.Location; loc != nil && c.geocoder != nil {
		loc.Name = c.placeName(ctx, loc.Latitude, loc.Longitude)
	}

	// exif.Render consumes the reader.
	if _, err = photo.Seek(0, io.SeekStart); err != nil {
		return img, fmt.Errorf("rewind image %s: %w", key, err)
	}

	if err = c.store.Put(ctx, key, photo, jpegContentType); err != nil {
		if errors.Is(err, storage.ErrObjectExists) {
			return img, fmt.Errorf("%w: %s", ErrImageExists, key)
		}
		return img, fmt.Errorf("upload image %s: %w", key, err)
	}

	c.logger.InfoContext(ctx, "uploaded image", slog.String("key", key))
	return img, nil
}

// placeName is best-effort: failures are logged and yield an empty name.
func (c *Composer) placeName(ctx context.Context, lat, lon float64) string {
	place, err := c.geocoder.Reverse(ctx, lat, lon)
	switch {
	case err != nil:
		c.logger.WarnContext(ctx, "reverse geocoding failed",
			slog.Float64("latitude", lat),
			slog.Float64("longitude", lon),
			slog.Any("error", err),
		)
		return ""
	case place == nil || place.Address == "":
		c.logger.WarnContext(ctx, "no reverse geocoding result found",
			slog.Float64("latitude", lat),
			slog.Float64("longitude", lon),
		)
		return ""
	}

	return place.Address
}

// photoFilename keeps only the base name of an attachment filename and
// falls back to photo-N.jpg when there is none.
func photoFilename(filename string, n int) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "photo-" + strconv.Itoa(n) + ".jpg"
	}

	return name
}

// uniqueFilename suffixes names whose ImageKey is already taken within one
// message: a.jpg, a-2.jpg. Distinct keys imply distinct filenames.
func uniqueFilename(name string, used map[string]struct{}) string {
	candidate := name
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		key := ImageKey(candidate)
		if _, ok := used[key]; !ok {
			used[key] = struct{}{}
			return candidate
		}
		candidate = stem + "-" + strconv.Itoa(i) + ext
	}
}
