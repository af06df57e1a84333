package post

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hickar/mailpost/internal/app/exif"

	"gopkg.in/yaml.v3"
)

const photoTag = "photo"

// Frontmatter is the metadata block of a post. Fields are serialized in
// declaration order.
type Frontmatter struct {
	Date       time.Time
	Title      string
	Layout     string
	Categories string
	Tags       []string
	Author     string
	Images     []Image
}

// Image is one uploaded photo, keyed in the frontmatter by Key.
type Image struct {
	Key  string
	Path string
	EXIF exif.Record
}

type FrontmatterBuilder struct {
	fm Frontmatter
}

func NewFrontmatterBuilder(date time.Time, title, author string) *FrontmatterBuilder {
	return &FrontmatterBuilder{fm: Frontmatter{
		Date:   date,
		Title:  title,
		Author: author,
		Tags:   []string{},
	}}
}

func (b *FrontmatterBuilder) Layout(layout string) *FrontmatterBuilder {
	b.fm.Layout = layout
	return b
}

func (b *FrontmatterBuilder) Categories(categories string) *FrontmatterBuilder {
	b.fm.Categories = categories
	return b
}

func (b *FrontmatterBuilder) Tags(tags ...string) *FrontmatterBuilder {
	for _, tag := range tags {
		if !slices.Contains(b.fm.Tags, tag) {
			b.fm.Tags = append(b.fm.Tags, tag)
		}
	}
	return b
}

func (b *FrontmatterBuilder) AddImage(img Image) *FrontmatterBuilder {
	b.fm.Images = append(b.fm.Images, img)
	return b
}

// Build checks required fields and returns a frozen copy. The "photo"
// tag is added when at least one image is present.
func (b *FrontmatterBuilder) Build() (Frontmatter, error) {
	var missing []string
	if b.fm.Date.IsZero() {
		missing = append(missing, "date")
	}
	if b.fm.Layout == "" {
		missing = append(missing, "layout")
	}
	if b.fm.Categories == "" {
		missing = append(missing, "categories")
	}
	if b.fm.Author == "" {
		missing = append(missing, "author")
	}
	if len(missing) > 0 {
		return Frontmatter{}, fmt.Errorf("frontmatter: missing %s", strings.Join(missing, ", "))
	}

	if len(b.fm.Images) > 0 {
		b.Tags(photoTag)
	}

	fm := b.fm
	fm.Tags = slices.Clone(b.fm.Tags)
	fm.Images = slices.Clone(b.fm.Images)
	return fm, nil
}

type imageEntry struct {
	Path string      `yaml:"path"`
	EXIF exif.Record `yaml:"exif"`
}

// WritePost writes the delimited frontmatter block, a blank line and the body.
func WritePost(w io.Writer, fm Frontmatter, body string) error {
	node, err := fm.node()
	if err != nil {
		return fmt.Errorf("build frontmatter: %w", err)
	}

	bw := bufio.NewWriter(w)
	// The title is written by hand so that it is always a double-quoted scalar.
	if _, err = fmt.Fprintf(bw, "---\ntitle: %s\n", strconv.Quote(fm.Title)); err != nil {
		return fmt.Errorf("write frontmatter: %w", err)
	}

	enc := yaml.NewEncoder(bw)
	enc.SetIndent(2)
	if err = enc.Encode(node); err != nil {
		return fmt.Errorf("encode frontmatter: %w", err)
	}
	if err = enc.Close(); err != nil {
		return fmt.Errorf("encode frontmatter: %w", err)
	}

	if _, err = bw.WriteString("---\n\n" + body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}

	return bw.Flush()
}

func (fm Frontmatter) node() (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	var errs []error
	add := func(parent *yaml.Node, key string, value any) {
		var v yaml.Node
		if err := v.Encode(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		parent.Content = append(parent.Content, keyNode(key), &v)
	}

	add(node, "date", fm.Date)
	add(node, "layout", fm.Layout)
	add(node, "categories", fm.Categories)
	add(node, "tags", fm.Tags)
	add(node, "author", fm.Author)

	if len(fm.Images) > 0 {
		images := &yaml.Node{Kind: yaml.MappingNode}
		for _, img := range fm.Images {
			add(images, img.Key, imageEntry{Path: img.Path, EXIF: img.EXIF})
		}
		node.Content = append(node.Content, keyNode("images"), images)
	}

	return node, errors.Join(errs...)
}

func keyNode(key string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}
}

// ImageKey lowercases a filename and replaces every non-alphanumeric rune with "_".
func ImageKey(filename string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, strings.ToLower(filename))
}
