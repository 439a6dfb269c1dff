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

// Package encryption derives the server-side encryption settings attached
// to every object upload.
package encryption

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	TypeNone = "none"
	TypeKMS  = "kms"
)

// ErrUnsupported is returned by Resolve for an unknown encryption type.
var ErrUnsupported = errors.New("unsupported encryption type")

// Policy is the resolved encryption setting. The zero value leaves
// encryption to the bucket defaults.
type Policy struct {
	kms   bool
	keyID string
}

// Resolve builds a Policy from the encryption_type and encryption_key
// settings. An empty type is treated as "none".
func Resolve(encryptionType, keyID string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(encryptionType)) {
	case "", TypeNone:
		return Policy{}, nil
	case TypeKMS:
		return Policy{kms: true, keyID: keyID}, nil
	default:
		return Policy{}, fmt.Errorf("%w %q, expected: 'none' or 'KMS'", ErrUnsupported, encryptionType)
	}
}

func (p Policy) Enabled() bool { return p.kms }

// Description is appended to upload log lines.
func (p Policy) Description() string {
	switch {
	case !p.kms:
		return ""
	case p.keyID != "":
		return fmt.Sprintf(" using KMS encryption key ID '%s'", p.keyID)
	default:
		return " using default KMS encryption"
	}
}

// ExtraArgs lists the request parameters the policy adds, keyed by their
// S3 API names.
func (p Policy) ExtraArgs() map[string]string {
	args := map[string]string{}
	if !p.kms {
		return args
	}
	args["ServerSideEncryption"] = string(types.ServerSideEncryptionAwsKms)
	if p.keyID != "" {
		args["SSEKMSKeyId"] = p.keyID
	}
	return args
}

// Apply sets the encryption fields on a PutObject request.
func (p Policy) Apply(in *s3.PutObjectInput) {
	if !p.kms {
		return
	}
	in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
	if p.keyID != "" {
		in.SSEKMSKeyId = aws.String(p.keyID)
	}
}
