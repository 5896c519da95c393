// Package format serializes a manifest.Manifest to and from the INI-like
// on-disk representation described in spec.md §4.8: one section per
// concern, each value JSON-encoded so strings with special characters
// round-trip exactly, keys sorted lexicographically within a section,
// and a trailing checksum section guarding the whole file against
// partial writes.
package format

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/pgbackup/internal/errkind"
	"github.com/cuemby/pgbackup/internal/manifest"
	"github.com/cuemby/pgbackup/internal/storage"
)

const (
	// MainFile and CopyFile are the two on-disk names load tries in
	// order, per §4.8: two copies are written, and load falls back to
	// the copy if the main file is missing or fails its checksum.
	MainFile = "backup.manifest"
	CopyFile = "backup.manifest.copy"
)

// Save serializes m and writes the full body, including the checksum
// footer, to w. It also sets m.Checksum as a side effect.
func Save(w io.Writer, m *manifest.Manifest) error {
	_, err := w.Write(render(m))
	return err
}

// SaveToDriver writes both manifest copies under dir via d, matching the
// two-copy durability contract §4.8 describes.
func SaveToDriver(ctx context.Context, d storage.Driver, dir string, m *manifest.Manifest) error {
	content := render(m)

	for _, name := range []string{MainFile, CopyFile} {
		p := dir + "/" + name
		wc, err := d.NewWrite(ctx, p, storage.WriteOptions{})
		if err != nil {
			return errkind.New(errkind.FileWriteError, p, err)
		}
		if _, err := wc.Write(content); err != nil {
			wc.Close()
			return errkind.New(errkind.FileWriteError, p, err)
		}
		if err := wc.Close(); err != nil {
			return errkind.New(errkind.FileWriteError, p, err)
		}
	}
	return nil
}

// LoadFromDriver loads the manifest from dir via d, trying MainFile then
// CopyFile, per §4.8's load-with-fallback contract. It fails only if
// both copies are missing or corrupt.
func LoadFromDriver(ctx context.Context, d storage.Driver, dir string) (*manifest.Manifest, error) {
	var lastErr error
	for _, name := range []string{MainFile, CopyFile} {
		p := dir + "/" + name
		r, err := d.NewRead(ctx, p, storage.ReadOptions{})
		if err != nil {
			lastErr = err
			continue
		}
		m, err := Load(r)
		r.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return m, nil
	}
	return nil, errkind.New(errkind.FormatError, dir, fmt.Errorf("both manifest copies missing or corrupt: %w", lastErr))
}

// render computes the serialized body plus its checksum footer, and
// sets m.Checksum to the footer value.
func render(m *manifest.Manifest) []byte {
	body := marshal(m)
	sum := sha1.Sum(body)
	m.Checksum = hex.EncodeToString(sum[:])

	var buf bytes.Buffer
	buf.Write(body)
	writeSection(&buf, "backrest", map[string]string{
		"backrest-checksum": jsonValue(m.Checksum),
	})
	return buf.Bytes()
}

// Load parses the INI-like body from r into a Manifest, verifying the
// trailing checksum footer against the bytes that preceded it. Unknown
// sections and keys are ignored for forward compatibility.
func Load(r io.Reader) (*manifest.Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errkind.New(errkind.FileReadError, "", err)
	}

	footerIdx := bytes.LastIndex(raw, []byte("\n[backrest]\n"))
	if footerIdx < 0 {
		return nil, errkind.New(errkind.FormatError, "", fmt.Errorf("missing [backrest] checksum footer"))
	}
	body := raw[:footerIdx]
	footer := raw[footerIdx:]

	footerSections, err := parse(footer)
	if err != nil {
		return nil, err
	}
	var wantChecksum string
	if err := jsonUnmarshalField(footerSections["backrest"], "backrest-checksum", &wantChecksum); err != nil {
		return nil, err
	}
	sum := sha1.Sum(body)
	gotChecksum := hex.EncodeToString(sum[:])
	if wantChecksum != gotChecksum {
		return nil, errkind.New(errkind.FormatError, "", fmt.Errorf("checksum mismatch: file is corrupt"))
	}

	sections, err := parse(body)
	if err != nil {
		return nil, err
	}
	m := unmarshal(sections)
	m.Checksum = gotChecksum
	return m, nil
}

// marshal renders every section except the trailing checksum footer.
func marshal(m *manifest.Manifest) []byte {
	var buf bytes.Buffer

	writeSection(&buf, "backup", backupFields(m))
	if hasDB(m.Database) {
		writeSection(&buf, "backup:db", dbFields(m.Database))
	}
	if len(m.Options) > 0 {
		writeSection(&buf, "backup:option", optionFields(m.Options))
	}
	writeSection(&buf, "backup:target", targetFields(m.Targets))
	if m.CipherSubPass != "" {
		writeSection(&buf, "cipher", map[string]string{"cipher-pass": jsonValue(m.CipherSubPass)})
	}
	if len(m.Header.Annotation) > 0 {
		writeSection(&buf, "metadata", annotationFields(m.Header.Annotation))
	}
	writeSection(&buf, "target:file", fileFields(m.Files))
	writeSection(&buf, "target:file:default", attrsFields(m.Defaults.File))
	writeSection(&buf, "target:link", linkFields(m.Links))
	writeSection(&buf, "target:link:default", attrsFields(m.Defaults.Link))
	writeSection(&buf, "target:path", pathFields(m.Paths))
	writeSection(&buf, "target:path:default", attrsFields(m.Defaults.Path))

	return buf.Bytes()
}

func hasDB(d manifest.DatabaseDescriptor) bool {
	return d.Version != "" || d.SystemID != ""
}

func writeSection(buf *bytes.Buffer, name string, fields map[string]string) {
	if len(fields) == 0 {
		// Still emit the header so a forward-compatible reader sees every
		// expected section, matching the original format's always-present
		// section list.
		fmt.Fprintf(buf, "\n[%s]\n", name)
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(buf, "\n[%s]\n", name)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s=%s\n", k, fields[k])
	}
}

func jsonValue(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func backupFields(m *manifest.Manifest) map[string]string {
	f := map[string]string{
		"backup-label":                jsonValue(m.Header.Label),
		"backup-type":                 jsonValue(string(m.Header.Type)),
		"backup-timestamp-start":      jsonValue(m.Header.TimestampStart.Unix()),
		"backup-timestamp-stop":       jsonValue(m.Header.TimestampStop.Unix()),
		"backup-timestamp-copy-start": jsonValue(m.Header.TimestampCopyStart.Unix()),
		"backup-reference":            jsonValue(strings.Join(m.Header.Reference, ",")),
	}
	if m.Header.PriorLabel != "" {
		f["backup-prior"] = jsonValue(m.Header.PriorLabel)
	}
	if m.Header.ArchiveStart != "" {
		f["backup-archive-start"] = jsonValue(m.Header.ArchiveStart)
	}
	if m.Header.ArchiveStop != "" {
		f["backup-archive-stop"] = jsonValue(m.Header.ArchiveStop)
	}
	if m.Header.LSNStart != "" {
		f["backup-lsn-start"] = jsonValue(m.Header.LSNStart)
	}
	if m.Header.LSNStop != "" {
		f["backup-lsn-stop"] = jsonValue(m.Header.LSNStop)
	}
	if m.Header.BundleEnabled {
		f["backup-bundle"] = jsonValue(true)
	}
	if m.Header.BundleRaw {
		f["backup-bundle-raw"] = jsonValue(true)
	}
	if m.Header.BlockIncrEnabled {
		f["backup-block-incr"] = jsonValue(true)
	}
	return f
}

func dbFields(d manifest.DatabaseDescriptor) map[string]string {
	return map[string]string{
		"db-catalog-version": jsonValue(d.CatalogVersion),
		"db-control-version": jsonValue(d.ControlVersion),
		"db-id":              jsonValue(d.ID),
		"db-system-id":       jsonValue(d.SystemID),
		"db-version":         jsonValue(d.Version),
	}
}

func optionFields(opts manifest.Options) map[string]string {
	f := make(map[string]string, len(opts))
	for k, v := range opts {
		f["option-"+string(k)] = jsonValue(v)
	}
	return f
}

func targetFields(targets map[string]manifest.Target) map[string]string {
	f := make(map[string]string, len(targets))
	for name, t := range targets {
		obj := map[string]interface{}{"type": string(t.Type), "path": t.Path}
		if t.Type == manifest.TargetTypeLink {
			if t.File != "" {
				obj["file"] = t.File
			}
			if t.TablespaceID != "" {
				obj["tablespace-id"] = t.TablespaceID
				obj["tablespace-name"] = t.TablespaceName
			}
		}
		f[name] = jsonValue(obj)
	}
	return f
}

func annotationFields(a map[string]string) map[string]string {
	f := make(map[string]string, len(a))
	for k, v := range a {
		f[k] = jsonValue(v)
	}
	return f
}

func fileFields(files map[string]manifest.File) map[string]string {
	f := make(map[string]string, len(files))
	for name, file := range files {
		obj := map[string]interface{}{
			"size":      file.Size,
			"timestamp": file.Timestamp.Unix(),
		}
		if file.OriginalSize != 0 && file.OriginalSize != file.Size {
			obj["szo"] = file.OriginalSize
		}
		if file.RepoSize != 0 && file.RepoSize != file.Size {
			obj["repo-size"] = file.RepoSize
		}
		if file.Checksum != "" {
			obj["checksum"] = file.Checksum
		}
		if file.Reference != "" {
			obj["reference"] = file.Reference
		}
		if file.Attrs.Mode != "" {
			obj["mode"] = file.Attrs.Mode
		}
		if file.Attrs.User != "" {
			obj["user"] = file.Attrs.User
		}
		if file.Attrs.Group != "" {
			obj["group"] = file.Attrs.Group
		}
		if file.ChecksumPage != nil {
			obj["checksum-page"] = file.ChecksumPage.OK
			if len(file.ChecksumPage.ErrorOffset) > 0 {
				obj["checksum-page-error"] = file.ChecksumPage.ErrorOffset
			}
		}
		if file.BlockIncr != nil {
			obj["bi"] = file.BlockIncr.BlockSize
			obj["bic"] = file.BlockIncr.ChecksumSize
			obj["bim"] = file.BlockIncr.MapSize
		}
		if file.PrimaryOnly {
			obj["primary"] = true
		}
		f[name] = jsonValue(obj)
	}
	return f
}

func linkFields(links map[string]manifest.Link) map[string]string {
	f := make(map[string]string, len(links))
	for name, l := range links {
		obj := map[string]interface{}{"destination": l.Destination}
		if l.Attrs.Mode != "" {
			obj["mode"] = l.Attrs.Mode
		}
		if l.Attrs.User != "" {
			obj["user"] = l.Attrs.User
		}
		if l.Attrs.Group != "" {
			obj["group"] = l.Attrs.Group
		}
		f[name] = jsonValue(obj)
	}
	return f
}

func pathFields(paths map[string]manifest.Attrs) map[string]string {
	f := make(map[string]string, len(paths))
	for name, a := range paths {
		f[name] = jsonValue(attrsToJSON(a))
	}
	return f
}

func attrsToJSON(a manifest.Attrs) map[string]interface{} {
	obj := map[string]interface{}{}
	if a.Mode != "" {
		obj["mode"] = a.Mode
	}
	if a.User != "" {
		obj["user"] = a.User
	}
	if a.Group != "" {
		obj["group"] = a.Group
	}
	return obj
}

func attrsFields(a manifest.Attrs) map[string]string {
	f := map[string]string{}
	if a.Mode != "" {
		f["mode"] = jsonValue(a.Mode)
	}
	if a.User != "" {
		f["user"] = jsonValue(a.User)
	}
	if a.Group != "" {
		f["group"] = jsonValue(a.Group)
	}
	return f
}

// parse splits an INI-like body into sections of raw JSON-valued
// key=value lines. Unknown sections are kept (the caller decides what
// to do with them) so unmarshal can silently skip keys it doesn't
// recognize, per §4.8's forward-compatibility rule.
func parse(body []byte) (map[string]map[string]string, error) {
	sections := map[string]map[string]string{}
	var current string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = line[1 : len(line)-1]
			if sections[current] == nil {
				sections[current] = map[string]string{}
			}
			continue
		}
		if current == "" {
			return nil, errkind.New(errkind.FormatError, "", fmt.Errorf("key=value line %q before any section header", line))
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, errkind.New(errkind.FormatError, "", fmt.Errorf("malformed line %q: missing '='", line))
		}
		sections[current][line[:eq]] = line[eq+1:]
	}
	if err := scanner.Err(); err != nil {
		return nil, errkind.New(errkind.FormatError, "", err)
	}
	return sections, nil
}

func jsonUnmarshalField(section map[string]string, key string, out interface{}) error {
	raw, ok := section[key]
	if !ok {
		return errkind.New(errkind.FormatError, key, fmt.Errorf("missing required key"))
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return errkind.New(errkind.FormatError, key, err)
	}
	return nil
}

func unmarshal(sections map[string]map[string]string) *manifest.Manifest {
	m := &manifest.Manifest{
		Options: manifest.Options{},
		Targets: map[string]manifest.Target{},
		Paths:   map[string]manifest.Attrs{},
		Files:   map[string]manifest.File{},
		Links:   map[string]manifest.Link{},
	}

	if backup, ok := sections["backup"]; ok {
		unmarshalBackup(backup, m)
	}
	if db, ok := sections["backup:db"]; ok {
		unmarshalDB(db, m)
	}
	if opt, ok := sections["backup:option"]; ok {
		unmarshalOptions(opt, m)
	}
	if targets, ok := sections["backup:target"]; ok {
		unmarshalTargets(targets, m)
	}
	if cipher, ok := sections["cipher"]; ok {
		if v, ok := cipher["cipher-pass"]; ok {
			var s string
			json.Unmarshal([]byte(v), &s)
			m.CipherSubPass = s
		}
	}
	if meta, ok := sections["metadata"]; ok {
		m.Header.Annotation = map[string]string{}
		for k, v := range meta {
			var s string
			if json.Unmarshal([]byte(v), &s) == nil {
				m.Header.Annotation[k] = s
			}
		}
	}
	if files, ok := sections["target:file"]; ok {
		unmarshalFiles(files, m)
	}
	if def, ok := sections["target:file:default"]; ok {
		m.Defaults.File = unmarshalAttrs(def)
	}
	if links, ok := sections["target:link"]; ok {
		unmarshalLinks(links, m)
	}
	if def, ok := sections["target:link:default"]; ok {
		m.Defaults.Link = unmarshalAttrs(def)
	}
	if paths, ok := sections["target:path"]; ok {
		unmarshalPaths(paths, m)
	}
	if def, ok := sections["target:path:default"]; ok {
		m.Defaults.Path = unmarshalAttrs(def)
	}

	return m
}

func unmarshalBackup(sec map[string]string, m *manifest.Manifest) {
	jsonField(sec, "backup-label", &m.Header.Label)
	var typ string
	jsonField(sec, "backup-type", &typ)
	m.Header.Type = manifest.BackupType(typ)
	jsonField(sec, "backup-prior", &m.Header.PriorLabel)
	jsonField(sec, "backup-archive-start", &m.Header.ArchiveStart)
	jsonField(sec, "backup-archive-stop", &m.Header.ArchiveStop)
	jsonField(sec, "backup-lsn-start", &m.Header.LSNStart)
	jsonField(sec, "backup-lsn-stop", &m.Header.LSNStop)
	jsonField(sec, "backup-bundle", &m.Header.BundleEnabled)
	jsonField(sec, "backup-bundle-raw", &m.Header.BundleRaw)
	jsonField(sec, "backup-block-incr", &m.Header.BlockIncrEnabled)

	var start, stop, copyStart int64
	jsonField(sec, "backup-timestamp-start", &start)
	jsonField(sec, "backup-timestamp-stop", &stop)
	jsonField(sec, "backup-timestamp-copy-start", &copyStart)
	m.Header.TimestampStart = time.Unix(start, 0).UTC()
	m.Header.TimestampStop = time.Unix(stop, 0).UTC()
	m.Header.TimestampCopyStart = time.Unix(copyStart, 0).UTC()

	var ref string
	jsonField(sec, "backup-reference", &ref)
	if ref != "" {
		m.Header.Reference = strings.Split(ref, ",")
	}
}

func unmarshalDB(sec map[string]string, m *manifest.Manifest) {
	jsonField(sec, "db-catalog-version", &m.Database.CatalogVersion)
	jsonField(sec, "db-control-version", &m.Database.ControlVersion)
	jsonField(sec, "db-id", &m.Database.ID)
	jsonField(sec, "db-system-id", &m.Database.SystemID)
	jsonField(sec, "db-version", &m.Database.Version)
}

func unmarshalOptions(sec map[string]string, m *manifest.Manifest) {
	for k, v := range sec {
		name := strings.TrimPrefix(k, "option-")
		var val interface{}
		if json.Unmarshal([]byte(v), &val) == nil {
			m.Options[manifest.Option(name)] = val
		}
	}
}

func unmarshalTargets(sec map[string]string, m *manifest.Manifest) {
	for name, v := range sec {
		var obj map[string]interface{}
		if json.Unmarshal([]byte(v), &obj) != nil {
			continue
		}
		t := manifest.Target{Name: name}
		if typ, _ := obj["type"].(string); typ != "" {
			t.Type = manifest.TargetType(typ)
		}
		if p, ok := obj["path"].(string); ok {
			t.Path = p
		}
		if fl, ok := obj["file"].(string); ok {
			t.File = fl
		}
		if id, ok := obj["tablespace-id"].(string); ok {
			t.TablespaceID = id
		}
		if tn, ok := obj["tablespace-name"].(string); ok {
			t.TablespaceName = tn
		}
		m.Targets[name] = t
	}
}

func unmarshalFiles(sec map[string]string, m *manifest.Manifest) {
	for name, v := range sec {
		var obj map[string]interface{}
		if json.Unmarshal([]byte(v), &obj) != nil {
			continue
		}
		f := manifest.File{Name: name}
		if sz, ok := obj["size"].(float64); ok {
			f.Size = int64(sz)
			f.RepoSize = int64(sz)
		}
		if ts, ok := obj["timestamp"].(float64); ok {
			f.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
		if szo, ok := obj["szo"].(float64); ok {
			f.OriginalSize = int64(szo)
		}
		if rs, ok := obj["repo-size"].(float64); ok {
			f.RepoSize = int64(rs)
		}
		if cs, ok := obj["checksum"].(string); ok {
			f.Checksum = cs
		}
		if ref, ok := obj["reference"].(string); ok {
			f.Reference = ref
		}
		if mode, ok := obj["mode"].(string); ok {
			f.Attrs.Mode = mode
		}
		if user, ok := obj["user"].(string); ok {
			f.Attrs.User = user
		}
		if group, ok := obj["group"].(string); ok {
			f.Attrs.Group = group
		}
		if cp, ok := obj["checksum-page"].(bool); ok {
			status := &manifest.ChecksumPageStatus{OK: cp}
			if errs, ok := obj["checksum-page-error"].([]interface{}); ok {
				for _, e := range errs {
					if n, ok := e.(float64); ok {
						status.ErrorOffset = append(status.ErrorOffset, int64(n))
					}
				}
			}
			f.ChecksumPage = status
		}
		if bi, ok := obj["bi"].(float64); ok {
			blk := &manifest.BlockIncr{BlockSize: int64(bi)}
			if bic, ok := obj["bic"].(float64); ok {
				blk.ChecksumSize = int64(bic)
			}
			if bim, ok := obj["bim"].(float64); ok {
				blk.MapSize = int64(bim)
			}
			f.BlockIncr = blk
		}
		if pr, ok := obj["primary"].(bool); ok {
			f.PrimaryOnly = pr
		}
		m.Files[name] = f
	}
}

func unmarshalLinks(sec map[string]string, m *manifest.Manifest) {
	for name, v := range sec {
		var obj map[string]interface{}
		if json.Unmarshal([]byte(v), &obj) != nil {
			continue
		}
		l := manifest.Link{Name: name}
		if d, ok := obj["destination"].(string); ok {
			l.Destination = d
		}
		if mode, ok := obj["mode"].(string); ok {
			l.Attrs.Mode = mode
		}
		if user, ok := obj["user"].(string); ok {
			l.Attrs.User = user
		}
		if group, ok := obj["group"].(string); ok {
			l.Attrs.Group = group
		}
		m.Links[name] = l
	}
}

func unmarshalPaths(sec map[string]string, m *manifest.Manifest) {
	for name, v := range sec {
		var obj map[string]interface{}
		if json.Unmarshal([]byte(v), &obj) != nil {
			continue
		}
		a := manifest.Attrs{}
		if mode, ok := obj["mode"].(string); ok {
			a.Mode = mode
		}
		if user, ok := obj["user"].(string); ok {
			a.User = user
		}
		if group, ok := obj["group"].(string); ok {
			a.Group = group
		}
		m.Paths[name] = a
	}
}

func unmarshalAttrs(sec map[string]string) manifest.Attrs {
	a := manifest.Attrs{}
	jsonField(sec, "mode", &a.Mode)
	jsonField(sec, "user", &a.User)
	jsonField(sec, "group", &a.Group)
	return a
}

func jsonField(sec map[string]string, key string, out interface{}) {
	v, ok := sec[key]
	if !ok {
		return
	}
	_ = json.Unmarshal([]byte(v), out)
}
