package post

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hickar/mailpost/internal/app/geocode"
	"github.com/hickar/mailpost/internal/app/gitrepo"
	"github.com/hickar/mailpost/internal/app/mailer"
	"github.com/hickar/mailpost/internal/app/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const testDateHeader = "Mon, 13 Jul 2015 21:14:07 -0400"

type fakeStore struct {
	objects      map[string][]byte
	contentTypes map[string]string
	puts         int
	putErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) Put(_ context.Context, key string, body io.Reader, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.puts++
	s.objects[key] = data
	s.contentTypes[key] = contentType
	return nil
}

type fakeGeocoder struct {
	place *geocode.Place
	err   error
	calls int
}

func (g *fakeGeocoder) Reverse(context.Context, float64, float64) (*geocode.Place, error) {
	g.calls++
	return g.place, g.err
}

type commitCall struct {
	name, email string
	when        time.Time
	message     string
}

type fakeRepo struct {
	dir      string
	held     bool
	releases int
	sweeps   int
	added    []string
	commits  []commitCall
	pushes   int
	lockErr  error
	pushErr  error
	onSweep  func()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (r *fakeRepo) Path() string { return r.dir }

func (r *fakeRepo) Lock(context.Context) (io.Closer, error) {
	if r.lockErr != nil {
		return nil, r.lockErr
	}
	r.held = true
	return closerFunc(func() error {
		r.held = false
		r.releases++
		return nil
	}), nil
}

func (r *fakeRepo) CleanSweep(context.Context) error {
	r.sweeps++
	if r.onSweep != nil {
		r.onSweep()
	}
	return nil
}

func (r *fakeRepo) Add(relPath string) error {
	r.added = append(r.added, relPath)
	return nil
}

func (r *fakeRepo) Commit(_ context.Context, name, email string, when time.Time, message string) error {
	r.commits = append(r.commits, commitCall{name: name, email: email, when: when, message: message})
	return nil
}

func (r *fakeRepo) Push(context.Context) error {
	r.pushes++
	return r.pushErr
}

type fixture struct {
	store    *fakeStore
	geocoder *fakeGeocoder
	repo     *fakeRepo
	composer *Composer
}

func newFixture(t *testing.T, commit bool) *fixture {
	t.Helper()

	f := &fixture{
		store:    newFakeStore(),
		geocoder: &fakeGeocoder{},
		repo:     &fakeRepo{dir: t.TempDir()},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	publisher := NewPublisher(f.repo, PublisherOptions{
		SiteDir:       "site",
		PostsDir:      "_posts/blog",
		CommitChanges: commit,
	}, log)

	var err error
	f.composer, err = NewComposer(f.store, f.geocoder, publisher, ComposerOptions{
		ImagePrefix:   "img/email",
		Layout:        "post",
		Category:      "blog",
		ImageTemplate: "{% include exif-image.html img=page.images.{{ .Key }} %}",
	}, log)
	require.NoError(t, err)

	return f
}

func textMessage(subject, body string) *mailer.Message {
	return &mailer.Message{
		MessageID: "abc@example.com",
		Date:      testDateHeader,
		Subject:   subject,
		From:      mailer.Address{Name: "José Example", Address: "jose@example.com"},
		BodyParts: []mailer.BodySegment{{MIMEType: "text/plain", Body: []byte(body)}},
	}
}

func photoMessage(t *testing.T) (*mailer.Message, []byte) {
	t.Helper()

	photo, err := os.ReadFile(filepath.Join("testdata", "IMG_5810.JPG"))
	require.NoError(t, err)

	msg := textMessage("at the game", "tags: boston\nGreat seats.\n-- \nJosé")
	msg.BodyParts = append(msg.BodyParts, mailer.BodySegment{
		MIMEType: "image/jpeg",
		Filename: "IMG_5810.JPG",
		Body:     photo,
	})

	return msg, photo
}

func readFrontmatter(t *testing.T, path string) (map[string]any, string) {
	t.Helper()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	parts := strings.SplitN(string(raw), "---\n", 3)
	require.Len(t, parts, 3)

	var fm map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(parts[1]), &fm))
	return fm, parts[2]
}

func TestHandleTextOnlyMessage(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.composer.Handle(context.Background(), textMessage("just some text", "Just a test; no photos."))
	require.NoError(t, err)

	assert.Equal(t, "2015-07-13-just-some-text.md", res.Filename)
	assert.Equal(t, "site/_posts/blog/2015-07-13-just-some-text.md", res.RelPath)

	fm, body := readFrontmatter(t, res.Path)
	assert.NotContains(t, fm, "images")
	assert.Empty(t, fm["tags"])
	assert.Equal(t, "just some text", fm["title"])
	assert.Equal(t, "jose@example.com", fm["author"])
	assert.Equal(t, "\nJust a test; no photos.", body)

	assert.Zero(t, f.store.puts)
	assert.Zero(t, f.repo.sweeps)
	assert.Empty(t, f.repo.commits)
	assert.Equal(t, 1, f.repo.releases)
	assert.False(t, f.repo.held)
}

func TestHandlePhotoMessage(t *testing.T) {
	f := newFixture(t, true)
	f.geocoder.place = &geocode.Place{Address: "Bleacher Bar, Boston, MA"}
	msg, photo := photoMessage(t)

	res, err := f.composer.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, Classify(err))

	key := "img/email/2015-07-13-at-the-game/IMG_5810.JPG"
	assert.Equal(t, photo, f.store.objects[key])
	assert.Equal(t, "image/jpeg", f.store.contentTypes[key])

	fm, body := readFrontmatter(t, res.Path)
	assert.Equal(t, []any{"boston", "photo"}, fm["tags"])

	images := fm["images"].(map[string]any)
	img := images["img_5810_jpg"].(map[string]any)
	assert.Equal(t, key, img["path"])
	exifData := img["exif"].(map[string]any)
	assert.Equal(t, "Apple", exifData["cameraMake"])
	location := exifData["location"].(map[string]any)
	assert.Equal(t, "Bleacher Bar, Boston, MA", location["name"])
	assert.InDelta(t, 42.347011, location["latitude"], 1e-6)
	assert.InDelta(t, -71.096322, location["longitude"], 1e-6)

	assert.Equal(t, "\nGreat seats.\n\n{% include exif-image.html img=page.images.img_5810_jpg %}\n", body)

	assert.Equal(t, 1, f.repo.sweeps)
	assert.Equal(t, []string{"site/_posts/blog/2015-07-13-at-the-game.md"}, f.repo.added)
	require.Len(t, f.repo.commits, 1)
	commit := f.repo.commits[0]
	assert.Equal(t, "José Example", commit.name)
	assert.Equal(t, "jose@example.com", commit.email)
	assert.Equal(t, "at the game", commit.message)
	_, offset := commit.when.Zone()
	assert.Equal(t, -4*60*60, offset)
	assert.Equal(t, 1, f.repo.pushes)
	assert.False(t, f.repo.held)
}

func TestHandleTwiceIsPostExists(t *testing.T) {
	f := newFixture(t, true)
	msg, _ := photoMessage(t)

	_, err := f.composer.Handle(context.Background(), msg)
	require.NoError(t, err)

	_, err = f.composer.Handle(context.Background(), msg)
	require.ErrorIs(t, err, ErrPostExists)
	assert.Equal(t, OutcomePostExists, Classify(err))
	assert.True(t, Classify(err).Conflict())

	assert.Equal(t, 1, f.store.puts)
	assert.Len(t, f.repo.commits, 1)
	assert.Equal(t, 1, f.geocoder.calls)
}

func TestHandleImageExists(t *testing.T) {
	f := newFixture(t, true)
	msg, _ := photoMessage(t)
	f.store.objects["img/email/2015-07-13-at-the-game/IMG_5810.JPG"] = []byte("old")

	_, err := f.composer.Handle(context.Background(), msg)
	require.ErrorIs(t, err, ErrImageExists)
	assert.Equal(t, OutcomeImageExists, Classify(err))
	assert.Zero(t, f.store.puts)
	assert.Zero(t, f.repo.sweeps)
	assert.NoFileExists(t, filepath.Join(f.repo.dir, "site", "_posts", "blog", "2015-07-13-at-the-game.md"))
}

func TestHandleConditionalPutLost(t *testing.T) {
	f := newFixture(t, false)
	f.store.putErr = storage.ErrObjectExists
	msg, _ := photoMessage(t)

	_, err := f.composer.Handle(context.Background(), msg)
	require.ErrorIs(t, err, ErrImageExists)
	assert.Equal(t, OutcomeImageExists, Classify(err))
}

func TestHandleGeocodeFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, false)
	f.geocoder.err = errors.New("timeout")
	msg, _ := photoMessage(t)

	res, err := f.composer.Handle(context.Background(), msg)
	require.NoError(t, err)

	fm, _ := readFrontmatter(t, res.Path)
	img := fm["images"].(map[string]any)["img_5810_jpg"].(map[string]any)
	location := img["exif"].(map[string]any)["location"].(map[string]any)
	assert.NotContains(t, location, "name")
}

func TestHandleInputErrors(t *testing.T) {
	f := newFixture(t, true)

	badDate := textMessage("x", "y")
	badDate.Date = "yesterday"
	_, err := f.composer.Handle(context.Background(), badDate)
	var dateErr *mailer.DateParseError
	assert.ErrorAs(t, err, &dateErr)
	assert.Equal(t, OutcomeInputError, Classify(err))
	assert.Equal(t, 65, Classify(err).ExitCode())

	noText := textMessage("x", "y")
	noText.BodyParts = []mailer.BodySegment{{MIMEType: "text/html", Body: []byte("<p>y</p>")}}
	_, err = f.composer.Handle(context.Background(), noText)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	noFrom := textMessage("x", "y")
	noFrom.From = mailer.Address{}
	_, err = f.composer.Handle(context.Background(), noFrom)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Zero(t, f.repo.sweeps)
}

func TestHandleHTMLFallback(t *testing.T) {
	f := newFixture(t, false)
	f.composer.opts.HTMLFallback = true

	msg := textMessage("html only", "")
	msg.BodyParts = []mailer.BodySegment{{MIMEType: "text/html", Body: []byte("<div>from html</div>")}}

	res, err := f.composer.Handle(context.Background(), msg)
	require.NoError(t, err)

	_, body := readFrontmatter(t, res.Path)
	assert.Contains(t, body, "from html")
}

func TestHandleLockTimeout(t *testing.T) {
	f := newFixture(t, true)
	f.repo.lockErr = gitrepo.ErrLockTimeout

	_, err := f.composer.Handle(context.Background(), textMessage("x", "y"))
	require.ErrorIs(t, err, gitrepo.ErrLockTimeout)
	assert.Equal(t, OutcomeLockTimeout, Classify(err))
	assert.Equal(t, 75, Classify(err).ExitCode())
}

func TestHandlePostArrivesWithSync(t *testing.T) {
	f := newFixture(t, true)
	target := filepath.Join(f.repo.dir, "site", "_posts", "blog", "2015-07-13-x.md")
	f.repo.onSweep = func() {
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
		require.NoError(t, os.WriteFile(target, []byte("remote"), 0o644))
	}

	_, err := f.composer.Handle(context.Background(), textMessage("x", "y"))
	require.ErrorIs(t, err, ErrPostExists)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "remote", string(content))
	assert.Empty(t, f.repo.commits)
	assert.Equal(t, 1, f.repo.releases)
}

func TestHandlePushFailureReleasesLock(t *testing.T) {
	f := newFixture(t, true)
	f.repo.pushErr = errors.New("remote hung up")

	_, err := f.composer.Handle(context.Background(), textMessage("x", "y"))
	require.Error(t, err)
	assert.Equal(t, OutcomeCollaboratorError, Classify(err))
	assert.False(t, f.repo.held)
	assert.Equal(t, 1, f.repo.releases)
}

func TestDuplicateFilenamesGetDistinctKeys(t *testing.T) {
	f := newFixture(t, false)
	msg, photo := photoMessage(t)
	msg.BodyParts = append(msg.BodyParts, mailer.BodySegment{MIMEType: "image/jpeg", Filename: "IMG_5810.JPG", Body: photo})
	msg.BodyParts = append(msg.BodyParts, mailer.BodySegment{MIMEType: "image/jpeg", Body: photo})

	_, err := f.composer.Handle(context.Background(), msg)
	require.NoError(t, err)

	assert.Contains(t, f.store.objects, "img/email/2015-07-13-at-the-game/IMG_5810.JPG")
	assert.Contains(t, f.store.objects, "img/email/2015-07-13-at-the-game/IMG_5810-2.JPG")
	assert.Contains(t, f.store.objects, "img/email/2015-07-13-at-the-game/photo-3.jpg")
	assert.True(t, bytes.Equal(photo, f.store.objects["img/email/2015-07-13-at-the-game/photo-3.jpg"]))
}

func TestFilenamesDifferingInCaseGetDistinctKeys(t *testing.T) {
	f := newFixture(t, false)
	msg, photo := photoMessage(t)
	msg.BodyParts = append(msg.BodyParts, mailer.BodySegment{MIMEType: "image/jpeg", Filename: "img_5810.jpg", Body: photo})

	res, err := f.composer.Handle(context.Background(), msg)
	require.NoError(t, err)

	assert.Contains(t, f.store.objects, "img/email/2015-07-13-at-the-game/IMG_5810.JPG")
	assert.Contains(t, f.store.objects, "img/email/2015-07-13-at-the-game/img_5810-2.jpg")

	fm, body := readFrontmatter(t, res.Path)
	images := fm["images"].(map[string]any)
	assert.Len(t, images, 2)
	assert.Contains(t, images, "img_5810_jpg")
	assert.Contains(t, images, "img_5810_2_jpg")
	assert.Contains(t, body, "img=page.images.img_5810_jpg %}")
	assert.Contains(t, body, "img=page.images.img_5810_2_jpg %}")
}

func TestUniqueFilename(t *testing.T) {
	used := make(map[string]struct{})
	assert.Equal(t, "a.jpg", uniqueFilename("a.jpg", used))
	assert.Equal(t, "A-2.JPG", uniqueFilename("A.JPG", used))
	assert.Equal(t, "a_jpg-2", uniqueFilename("a_jpg", used))
	assert.Equal(t, "a-2-2.jpg", uniqueFilename("a-2.jpg", used))
	assert.Equal(t, "b.jpg", uniqueFilename("b.jpg", used))
}

func TestHandleRaw(t *testing.T) {
	f := newFixture(t, false)

	raw := "From: Jane <jane@example.com>\r\n" +
		"Date: " + testDateHeader + "\r\n" +
		"Subject: raw post\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Written on the phone.\r\n"

	res, err := f.composer.HandleRaw(context.Background(), strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "2015-07-13-raw-post.md", res.Filename)

	_, err = f.composer.HandleRaw(context.Background(), strings.NewReader("not a header\r\n\r\nbody"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Equal(t, OutcomeInputError, Classify(err))
}
