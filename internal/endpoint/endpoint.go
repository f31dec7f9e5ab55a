// Package endpoint splits a data endpoint URL such as
// http://host:8080/engine/v2/data/farequote into the API base URL and job ids.
package endpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// Parse returns the API base URL and the job ids addressed by a data endpoint
// URL. Several comma separated ids address a fan-out upload.
func Parse(dataEndpoint string) (string, []string, error) {
	u, err := url.Parse(dataEndpoint)
	if err != nil {
		return "", nil, fmt.Errorf("invalid data endpoint %q: %w", dataEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", nil, fmt.Errorf("invalid data endpoint %q: scheme must be http or https", dataEndpoint)
	}
	if u.Host == "" {
		return "", nil, fmt.Errorf("invalid data endpoint %q: missing host", dataEndpoint)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")
	idx := strings.LastIndex(path, "/data/")
	if idx < 0 {
		return "", nil, fmt.Errorf("invalid data endpoint %q: path must end with /data/<jobId>", dataEndpoint)
	}

	rawIDs := path[idx+len("/data/"):]
	if rawIDs == "" || strings.Contains(rawIDs, "/") {
		return "", nil, fmt.Errorf("invalid data endpoint %q: path must end with /data/<jobId>", dataEndpoint)
	}

	var ids []string
	for _, raw := range strings.Split(rawIDs, ",") {
		id, err := url.PathUnescape(raw)
		if err != nil {
			return "", nil, fmt.Errorf("invalid job id %q: %w", raw, err)
		}
		if id == "" {
			return "", nil, fmt.Errorf("invalid data endpoint %q: empty job id", dataEndpoint)
		}
		ids = append(ids, id)
	}

	base := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}
	return base.String() + path[:idx], ids, nil
}
