package pkgmeta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalidManifest 表示 package.json 缺字段或字段类型不合法。
var ErrInvalidManifest = errors.New("invalid package manifest")

// ManifestFile 是每个版本目录下的元数据文件名。
const ManifestFile = "package.json"

// rawManifest 对 npm 中类型不固定的字段保留原始 JSON，由 DecodeManifest 逐个归一化。
type rawManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	License      json.RawMessage   `json:"license"`
	Author       json.RawMessage   `json:"author"`
	Keywords     json.RawMessage   `json:"keywords"`
	Main         string            `json:"main"`
	Exports      json.RawMessage   `json:"exports"`
	EntryPoints  []string          `json:"entryPoints"`
	Dependencies map[string]string `json:"dependencies"`
	Repository   json.RawMessage   `json:"repository"`
	Homepage     string            `json:"homepage"`
	Uplink       string            `json:"uplink"`
	Readme       string            `json:"readme"`
	Created      json.RawMessage   `json:"created"`
}

// DecodeManifest 将 package.json 解析为 Record，拒绝缺少 name/version 或字段类型错误的输入。
func DecodeManifest(data []byte) (Record, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return Record{}, fmt.Errorf("%w: missing name", ErrInvalidManifest)
	}
	if err := ParseName(name).Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	version := strings.TrimSpace(raw.Version)
	if err := ValidateVersion(version); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	rec := Record{
		Name:         name,
		Version:      version,
		Description:  raw.Description,
		Main:         raw.Main,
		EntryPoints:  raw.EntryPoints,
		Dependencies: raw.Dependencies,
		Uplink:       raw.Uplink,
		Readme:       raw.Readme,
	}

	var err error
	if rec.License, err = decodeLicense(raw.License); err != nil {
		return Record{}, fmt.Errorf("%w: license: %v", ErrInvalidManifest, err)
	}
	if rec.Author, err = decodePerson(raw.Author); err != nil {
		return Record{}, fmt.Errorf("%w: author: %v", ErrInvalidManifest, err)
	}
	if rec.Keywords, err = decodeKeywords(raw.Keywords); err != nil {
		return Record{}, fmt.Errorf("%w: keywords: %v", ErrInvalidManifest, err)
	}
	repo, err := decodeRepository(raw.Repository)
	if err != nil {
		return Record{}, fmt.Errorf("%w: repository: %v", ErrInvalidManifest, err)
	}
	rec.Repository = repo
	if rec.Repository == "" {
		rec.Repository = raw.Homepage
	}
	if rec.Created, err = decodeTimestamp(raw.Created); err != nil {
		return Record{}, fmt.Errorf("%w: created: %v", ErrInvalidManifest, err)
	}

	exports, keys, err := decodeExports(raw.Exports)
	if err != nil {
		return Record{}, fmt.Errorf("%w: exports: %v", ErrInvalidManifest, err)
	}
	rec.Exports = exports
	rec.normalize(keys)
	return rec, nil
}

// ValidateVersion 要求版本号可以被解析为语义化版本且不含键分隔符。
func ValidateVersion(version string) error {
	if version == "" {
		return errors.New("missing version")
	}
	if strings.ContainsAny(version, "#/\\ ") {
		return fmt.Errorf("illegal version %q", version)
	}
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("version %q: %w", version, err)
	}
	return nil
}

// stubManifest 是合成记录落盘时的最小 package.json。
type stubManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Uplink  string `json:"uplink,omitempty"`
	Created int64  `json:"created"`
}

// EncodeStubManifest 序列化合成记录，created 使用毫秒时间戳。
func EncodeStubManifest(rec Record) ([]byte, error) {
	return json.Marshal(stubManifest{
		Name:    rec.Name,
		Version: rec.Version,
		Uplink:  rec.Uplink,
		Created: rec.Created.UnixMilli(),
	})
}

// StampCreated 把 created 写入清单（RFC3339Nano），其余字段原样保留。
func StampCreated(data []byte, created time.Time) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidManifest)
	}
	stamp, err := json.Marshal(created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	fields["created"] = stamp
	return json.MarshalIndent(fields, "", "  ")
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeLicense(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.Type, nil
}

func decodePerson(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var p struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", err
	}
	out := p.Name
	if p.Email != "" {
		out += " <" + p.Email + ">"
	}
	if p.URL != "" {
		out += " (" + p.URL + ")"
	}
	return strings.TrimSpace(out), nil
}

func decodeKeywords(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return []string{}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

func decodeRepository(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var repo struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &repo); err != nil {
		return "", err
	}
	return repo.URL, nil
}

// decodeTimestamp 兼容毫秒时间戳（旧版文件）与 RFC3339 字符串。
func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if isNull(raw) {
		return time.Time{}, nil
	}
	var ms json.Number
	if err := json.Unmarshal(raw, &ms); err == nil {
		f, err := strconv.ParseFloat(ms.String(), 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

// decodeExports 返回 exports 映射及其键的原始顺序；字符串形式等价于 {".": value}。
func decodeExports(raw json.RawMessage) (map[string]any, []string, error) {
	if isNull(raw) {
		return map[string]any{}, []string{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return map[string]any{".": s}, []string{"."}, nil
	}
	var exports map[string]any
	if err := json.Unmarshal(raw, &exports); err != nil {
		return nil, nil, err
	}
	keys, err := objectKeys(raw)
	if err != nil {
		return nil, nil, err
	}
	return exports, keys, nil
}

// objectKeys 按出现顺序读取 JSON 对象的顶层键。
func objectKeys(raw json.RawMessage) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("expected object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("expected object key")
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
