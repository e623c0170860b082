package updater

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Descriptor announces an installable version.
type Descriptor struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

func (d Descriptor) valid() bool {
	return strings.TrimSpace(d.Version) != "" && strings.TrimSpace(d.URL) != ""
}

// release is the subset of a GitHub "latest release" document we read.
type release struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// streamEnvelope is the payload of a Realtime Database put/patch event.
type streamEnvelope struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// DecodeDescriptor parses a version descriptor. A null or blank document, or
// one without both a version and a URL, yields nil without error.
//
// Accepted shapes: {"version","url"}, an event envelope {"path","data"}
// wrapping it, and a GitHub release with a ".apk" asset.
func DecodeDescriptor(data []byte) (*Descriptor, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("malformed version descriptor: %w", err)
	}

	if _, ok := fields["tag_name"]; ok {
		var r release
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("malformed release document: %w", err)
		}
		d := Descriptor{Version: strings.TrimPrefix(r.TagName, "v")}
		for _, a := range r.Assets {
			if strings.HasSuffix(a.Name, ".apk") {
				d.URL = a.BrowserDownloadURL
				break
			}
		}
		if !d.valid() {
			return nil, nil
		}
		return &d, nil
	}

	if _, ok := fields["version"]; !ok {
		if _, ok := fields["data"]; ok {
			var env streamEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				return nil, fmt.Errorf("malformed event envelope: %w", err)
			}
			return DecodeDescriptor(env.Data)
		}
		return nil, nil
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("malformed version descriptor: %w", err)
	}
	if !d.valid() {
		return nil, nil
	}
	d.Version = strings.TrimSpace(d.Version)
	d.URL = strings.TrimSpace(d.URL)
	return &d, nil
}
