// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package awsclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthMode is how base credentials are obtained.
type AuthMode int

const (
	// AuthDefaultChain lets the SDK walk its usual provider chain.
	AuthDefaultChain AuthMode = iota
	// AuthStatic uses an explicit access key and secret.
	AuthStatic
	// AuthProfile uses a named shared-config profile.
	AuthProfile
)

func (m AuthMode) String() string {
	switch m {
	case AuthStatic:
		return "static"
	case AuthProfile:
		return "profile"
	default:
		return "default-chain"
	}
}

// Settings are the already-merged connection settings, with environment
// fallbacks applied by the caller.
type Settings struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Profile         string
	Region          string
	EndpointURL     string
	RoleARN         string
	Proxy           ProxySettings
}

// Mode picks static keys over a profile, and a profile over the default chain.
func (s Settings) Mode() AuthMode {
	switch {
	case s.AccessKeyID != "" && s.SecretAccessKey != "":
		return AuthStatic
	case s.Profile != "":
		return AuthProfile
	default:
		return AuthDefaultChain
	}
}

// RoleName is the part of a role ARN after the first '/'.
func RoleName(roleARN string) string {
	_, name, found := strings.Cut(roleARN, "/")
	if !found {
		return roleARN
	}
	return name
}

// RoleSessionName names the assumed-role session after the role and the
// profile it was assumed from.
func RoleSessionName(roleARN, profile string) string {
	if profile == "" {
		profile = "None"
	}
	name := fmt.Sprintf("role-name=%s-profile=%s", RoleName(roleARN), profile)
	// STS limits session names to 64 characters of [\w+=,.@-].
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case strings.ContainsRune("_+=,.@-", r):
			return r
		default:
			return '-'
		}
	}, name)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// ProxySettings holds the proxy URL per request scheme.
type ProxySettings struct {
	HTTP  string
	HTTPS string
}

func (p ProxySettings) Empty() bool {
	return p.HTTP == "" && p.HTTPS == ""
}

// ProxyFunc is an http.Transport Proxy function. Requests whose scheme has
// no proxy configured go direct.
func (p ProxySettings) ProxyFunc() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		raw := p.HTTP
		if req.URL != nil && req.URL.Scheme == "https" {
			raw = p.HTTPS
		}
		if raw == "" {
			return nil, nil
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", raw, err)
		}
		return u, nil
	}
}
