package s3

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"

	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/cuemby/pgbackup/internal/storage"
	"github.com/cuemby/pgbackup/internal/uri"
)

const batchDeleteChunkSize = 1000

type deleteRequestXML struct {
	XMLName xml.Name        `xml:"Delete"`
	Quiet   bool            `xml:"Quiet"`
	Objects []deleteObjectXML `xml:"Object"`
}

type deleteObjectXML struct {
	Key string `xml:"Key"`
}

type deleteResultXML struct {
	XMLName xml.Name `xml:"DeleteResult"`
	Errors  []struct {
		Key     string `xml:"Key"`
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	} `xml:"Error"`
}

// PathRemove implements storage.Driver: it lists the subtree recursively,
// deletes it in chunks of up to 1000 keys via POST /?delete, and for any
// key an error response names, retries with a single DELETE call.
func (d *Driver) PathRemove(ctx context.Context, path string, recursive bool) error {
	var keys []string
	err := d.List(ctx, path, storage.ListOptions{Recursive: true}, func(e storage.Entry) error {
		if e.Type == storage.EntryFile {
			keys = append(keys, joinKey(path, e.Name))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !recursive && len(keys) > 0 {
		return errkind.New(errkind.AssertError, path, fmt.Errorf("pathRemove: non-recursive call found %d keys", len(keys)))
	}

	for start := 0; start < len(keys); start += batchDeleteChunkSize {
		end := start + batchDeleteChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := d.batchDeleteChunk(ctx, keys[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func joinKey(prefix, name string) string {
	if prefix == "" || prefix == "/" {
		return name
	}
	return prefix + "/" + name
}

// batchDeleteChunk issues one POST /?delete for up to 1000 keys and
// retries, one DELETE at a time, any key the response reports as errored.
func (d *Driver) batchDeleteChunk(ctx context.Context, keys []string) error {
	reqXML := deleteRequestXML{Quiet: true}
	for _, k := range keys {
		reqXML.Objects = append(reqXML.Objects, deleteObjectXML{Key: k})
	}
	body, err := xml.Marshal(reqXML)
	if err != nil {
		return err
	}
	body = append([]byte(xml.Header), body...)

	headers := http.Header{}
	headers.Set("content-md5", base64Std(md5Sum(body)))

	q := uri.NewQuery()
	q.Put("delete", "")

	resp, err := d.do(ctx, http.MethodPost, d.rootPath(), q, body, headers, false)
	if err != nil {
		return err
	}

	var result deleteResultXML
	if err := xml.Unmarshal(resp.Body, &result); err != nil {
		return errkind.New(errkind.FormatError, "batch-delete", err)
	}
	for _, e := range result.Errors {
		if err := d.Remove(ctx, e.Key, false); err != nil {
			return fmt.Errorf("s3: retry delete of %s (batch error %s: %s): %w", e.Key, e.Code, e.Message, err)
		}
	}
	return nil
}
