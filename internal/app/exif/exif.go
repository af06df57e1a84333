// Package exif renders camera and GPS metadata of a photo into a flat record.
package exif

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	goexif "github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

const (
	exifDateLayout   = "2006:01:02 15:04:05"
	localDateLayout  = "2006-01-02T15:04:05"
	offsetDateLayout = "2006-01-02T15:04:05-07:00"
)

// Record holds only the tags present in the source image.
type Record struct {
	CameraMake       string    `yaml:"cameraMake,omitempty"`
	CameraModel      string    `yaml:"cameraModel,omitempty"`
	LensModel        string    `yaml:"lensModel,omitempty"`
	CameraSWVer      string    `yaml:"cameraSWVer,omitempty"`
	DateTimeOriginal string    `yaml:"dateTimeOriginal,omitempty"`
	DateTimeGPS      string    `yaml:"dateTimeGps,omitempty"`
	Location         *Location `yaml:"location,omitempty"`
}

type Location struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Name      string  `yaml:"name,omitempty"`
}

type tagSource interface {
	Get(goexif.FieldName) (*tiff.Tag, error)
}

// Render decodes EXIF data from r, consuming it. Callers that need the
// image bytes afterwards must seek back to the start.
//
// The returned record is always usable: a non-nil error only reports
// what could not be read, and the record holds everything that could.
func Render(r io.Reader) (Record, error) {
	x, err := goexif.Decode(r)
	if x == nil || (err != nil && goexif.IsCriticalError(err)) {
		if err == nil {
			err = errors.New("no exif data")
		}
		return Record{}, fmt.Errorf("decode exif: %w", err)
	}

	return render(x)
}

func render(src tagSource) (Record, error) {
	var rec Record
	var errs []error

	rec.CameraMake = stringTag(src, goexif.Make)
	rec.CameraModel = stringTag(src, goexif.Model)
	rec.LensModel = stringTag(src, goexif.LensModel)
	rec.CameraSWVer = stringTag(src, goexif.Software)

	if raw := stringTag(src, goexif.DateTimeOriginal); raw != "" {
		t, err := time.Parse(exifDateLayout, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse DateTimeOriginal: %w", err))
		} else {
			rec.DateTimeOriginal = t.Format(localDateLayout)
		}
	}

	gpsTime, err := gpsTimestamp(src)
	if err != nil {
		errs = append(errs, err)
	} else if !gpsTime.IsZero() {
		rec.DateTimeGPS = gpsTime.Format(offsetDateLayout)
	}

	rec.Location, err = location(src)
	if err != nil {
		errs = append(errs, err)
	}

	return rec, errors.Join(errs...)
}

// ToDegrees converts a degrees/minutes/seconds triple to decimal degrees.
// Only "N" and "E" references are positive.
func ToDegrees(ref string, dms [3]float64) float64 {
	sign := -1.0
	if ref == "N" || ref == "E" {
		sign = 1.0
	}

	return sign * (dms[0] + dms[1]/60 + dms[2]/3600)
}

func location(src tagSource) (*Location, error) {
	latRef := stringTag(src, goexif.GPSLatitudeRef)
	lonRef := stringTag(src, goexif.GPSLongitudeRef)
	if latRef == "" || lonRef == "" {
		return nil, nil
	}

	lat, ok, err := rationalTriple(src, goexif.GPSLatitude)
	if err != nil || !ok {
		return nil, err
	}
	lon, ok, err := rationalTriple(src, goexif.GPSLongitude)
	if err != nil || !ok {
		return nil, err
	}

	return &Location{
		Latitude:  ToDegrees(latRef, lat),
		Longitude: ToDegrees(lonRef, lon),
	}, nil
}

func gpsTimestamp(src tagSource) (time.Time, error) {
	date := stringTag(src, goexif.GPSDateStamp)
	if date == "" {
		return time.Time{}, nil
	}
	hms, ok, err := rationalTriple(src, goexif.GPSTimeStamp)
	if err != nil || !ok {
		return time.Time{}, err
	}

	day, err := time.ParseInLocation("2006:01:02", date, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse GPSDateStamp: %w", err)
	}

	seconds := hms[0]*3600 + hms[1]*60 + hms[2]
	offset := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	return day.Add(offset), nil
}

func stringTag(src tagSource, name goexif.FieldName) string {
	tag, err := src.Get(name)
	if err != nil || tag == nil {
		return ""
	}

	val, err := tag.StringVal()
	if err != nil {
		return ""
	}

	return strings.TrimSpace(strings.TrimRight(val, "\x00"))
}

// rationalTriple reads a three-rational tag. ok is false when the tag is absent.
func rationalTriple(src tagSource, name goexif.FieldName) ([3]float64, bool, error) {
	var out [3]float64

	tag, err := src.Get(name)
	if err != nil || tag == nil {
		return out, false, nil
	}
	if tag.Count < 3 {
		return out, false, fmt.Errorf("%s: want 3 values, got %d", name, tag.Count)
	}

	for i := range out {
		num, den, err := tag.Rat2(i)
		if err != nil {
			return out, false, fmt.Errorf("%s[%d]: %w", name, i, err)
		}
		if den == 0 {
			return out, false, fmt.Errorf("%s[%d]: zero denominator", name, i)
		}
		out[i] = float64(num) / float64(den)
	}

	return out, true, nil
}
