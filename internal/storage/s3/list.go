package s3

import (
	"context"
	"encoding/xml"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/uri"
)

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string `xml:"Key"`
		Size         int64  `xml:"Size"`
		LastModified string `xml:"LastModified"`
	} `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

type listVersionsResult struct {
	XMLName             xml.Name `xml:"ListVersionsResult"`
	IsTruncated         bool     `xml:"IsTruncated"`
	NextKeyMarker       string   `xml:"NextKeyMarker"`
	NextVersionIDMarker string   `xml:"NextVersionIdMarker"`
	Entries             []versionEntry
}

// versionEntry unifies <Version> and <DeleteMarker> rows so they can be
// decoded (and kept) in the document order S3 returns them in, which
// matters for the "most recent version not newer than target" scan.
type versionEntry struct {
	Key          string
	VersionID    string
	LastModified string
	Size         int64
	IsDelete     bool
}

// UnmarshalXML decodes ListVersionsResult by walking its children in
// order, interleaving <Version> and <DeleteMarker> elements as they
// appear rather than grouping by element name (the default xml package
// behavior would separate them into two slices and lose relative order).
func (r *listVersionsResult) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			return err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "IsTruncated":
			var v bool
			if err := d.DecodeElement(&v, &se); err != nil {
				return err
			}
			r.IsTruncated = v
		case "NextKeyMarker":
			var v string
			d.DecodeElement(&v, &se)
			r.NextKeyMarker = v
		case "NextVersionIdMarker":
			var v string
			d.DecodeElement(&v, &se)
			r.NextVersionIDMarker = v
		case "Version", "DeleteMarker":
			var raw struct {
				Key          string `xml:"Key"`
				VersionID    string `xml:"VersionId"`
				LastModified string `xml:"LastModified"`
				Size         int64  `xml:"Size"`
			}
			if err := d.DecodeElement(&raw, &se); err != nil {
				return err
			}
			r.Entries = append(r.Entries, versionEntry{
				Key: raw.Key, VersionID: raw.VersionID,
				LastModified: raw.LastModified, Size: raw.Size,
				IsDelete: se.Name.Local == "DeleteMarker",
			})
		default:
			if err := d.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}

type fetchResult struct {
	bucket *listBucketResult
	ver    *listVersionsResult
	err    error
}

// List implements storage.Driver. Pagination is driven by continuation
// tokens; while the current page's entries are dispatched to sink, the
// next page (if any) is already in flight on a background goroutine so
// its latency is hidden behind local processing time.
func (d *Driver) List(ctx context.Context, path string, opts storage.ListOptions, sink storage.Sink) error {
	prefix := strings.TrimPrefix(path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	versioned := opts.TargetTime != nil

	delimiter := ""
	if !opts.Recursive {
		delimiter = "/"
	}

	fetch := func(token, keyMarker, versionMarker string) chan fetchResult {
		ch := make(chan fetchResult, 1)
		go func() {
			if versioned {
				r, err := d.fetchVersionsPage(ctx, prefix, delimiter, keyMarker, versionMarker)
				ch <- fetchResult{ver: r, err: err}
			} else {
				r, err := d.fetchBucketPage(ctx, prefix, delimiter, token)
				ch <- fetchResult{bucket: r, err: err}
			}
		}()
		return ch
	}

	var currentKey string
	var decided bool

	emitBucketPage := func(page *listBucketResult) error {
		for _, c := range page.Contents {
			ts, _ := time.Parse(time.RFC3339, c.LastModified)
			if err := sink(storage.Entry{Name: strings.TrimPrefix(c.Key, prefix), Type: storage.EntryFile, Size: c.Size, Timestamp: ts}); err != nil {
				return err
			}
		}
		for _, p := range page.CommonPrefixes {
			if err := sink(storage.Entry{Name: strings.TrimSuffix(strings.TrimPrefix(p.Prefix, prefix), "/"), Type: storage.EntryPath}); err != nil {
				return err
			}
		}
		return nil
	}

	emitVersionsPage := func(page *listVersionsResult) error {
		for _, e := range page.Entries {
			if e.Key != currentKey {
				currentKey = e.Key
				decided = false
			}
			if decided {
				continue
			}
			ts, _ := time.Parse(time.RFC3339, e.LastModified)
			if ts.After(*opts.TargetTime) {
				continue
			}
			decided = true
			if e.IsDelete {
				continue
			}
			if err := sink(storage.Entry{Name: strings.TrimPrefix(e.Key, prefix), Type: storage.EntryFile, Size: e.Size, Timestamp: ts}); err != nil {
				return err
			}
		}
		return nil
	}

	token, keyMarker, versionMarker := "", "", ""
	pending := fetch(token, keyMarker, versionMarker)
	for {
		res := <-pending
		if res.err != nil {
			return res.err
		}

		var truncated bool
		if versioned {
			truncated = res.ver.IsTruncated
			keyMarker, versionMarker = res.ver.NextKeyMarker, res.ver.NextVersionIDMarker
		} else {
			truncated = res.bucket.IsTruncated
			token = res.bucket.NextContinuationToken
		}

		if truncated {
			pending = fetch(token, keyMarker, versionMarker)
		}

		if versioned {
			if err := emitVersionsPage(res.ver); err != nil {
				return err
			}
		} else {
			if err := emitBucketPage(res.bucket); err != nil {
				return err
			}
		}

		if !truncated {
			return nil
		}
	}
}

func (d *Driver) fetchBucketPage(ctx context.Context, prefix, delimiter, token string) (*listBucketResult, error) {
	q := uri.NewQuery()
	q.Put("list-type", "2")
	if prefix != "" {
		q.Put("prefix", prefix)
	}
	if delimiter != "" {
		q.Put("delimiter", delimiter)
	}
	if token != "" {
		q.Put("continuation-token", token)
	}
	resp, err := d.do(ctx, http.MethodGet, d.rootPath(), q, nil, nil, false)
	if err != nil {
		return nil, err
	}
	var out listBucketResult
	if err := xml.Unmarshal(resp.Body, &out); err != nil {
		return nil, errkind.New(errkind.FormatError, "list", err)
	}
	return &out, nil
}

func (d *Driver) fetchVersionsPage(ctx context.Context, prefix, delimiter, keyMarker, versionMarker string) (*listVersionsResult, error) {
	q := uri.NewQuery()
	q.Put("versions", "")
	if prefix != "" {
		q.Put("prefix", prefix)
	}
	if delimiter != "" {
		q.Put("delimiter", delimiter)
	}
	if keyMarker != "" {
		q.Put("key-marker", keyMarker)
	}
	if versionMarker != "" {
		q.Put("version-id-marker", versionMarker)
	}
	resp, err := d.do(ctx, http.MethodGet, d.rootPath(), q, nil, nil, false)
	if err != nil {
		return nil, err
	}
	var out listVersionsResult
	if err := xml.Unmarshal(resp.Body, &out); err != nil {
		return nil, errkind.New(errkind.FormatError, "list-versions", err)
	}
	return &out, nil
}

func (d *Driver) rootPath() string {
	if d.cfg.Style == PathStyle {
		return "/" + d.cfg.Bucket + "/"
	}
	return "/"
}
