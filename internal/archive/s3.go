/*
listd - Mailing list manager.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"time"

	"github.com/foxcpp/listd/framework/config"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mailmsg"
	"github.com/foxcpp/listd/internal/mlist"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/oklog/ulid/v2"
)

const (
	credsTypeFileMinio = "file_minio"
	credsTypeFileAWS   = "file_aws"
	credsTypeAccessKey = "access_key"
	credsTypeIAM       = "iam"
	credsTypeDefault   = credsTypeAccessKey
)

// S3 uploads each post as <object_prefix><list>/<ulid>.eml.
type S3 struct {
	log log.Logger

	endpoint string
	cl       *minio.Client

	bucketName   string
	objectPrefix string

	now     func() time.Time
	entropy io.Reader
}

func newS3(cfg *config.Map, _ string, logger log.Logger) (Archiver, error) {
	var (
		s               = &S3{log: logger, now: time.Now, entropy: rand.Reader}
		secure          bool
		accessKeyID     string
		secretAccessKey string
		credsType       string
		location        string
	)
	cfg.String("endpoint", true, "", &s.endpoint)
	cfg.Bool("secure", true, &secure)
	cfg.String("access_key", false, "", &accessKeyID)
	cfg.String("secret_key", false, "", &secretAccessKey)
	cfg.String("bucket", true, "", &s.bucketName)
	cfg.String("region", false, "", &location)
	cfg.String("object_prefix", false, "", &s.objectPrefix)
	cfg.Enum("creds", false, []string{credsTypeFileMinio, credsTypeFileAWS, credsTypeAccessKey, credsTypeIAM},
		credsTypeDefault, &credsType)
	if _, err := cfg.Process(); err != nil {
		return nil, err
	}

	var creds *credentials.Credentials
	switch credsType {
	case credsTypeFileMinio:
		creds = credentials.NewFileMinioClient("", "")
	case credsTypeFileAWS:
		creds = credentials.NewFileAWSCredentials("", "")
	case credsTypeIAM:
		creds = credentials.NewIAM("")
	default:
		creds = credentials.NewStaticV4(accessKeyID, secretAccessKey, "")
	}

	cl, err := minio.New(s.endpoint, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: location,
	})
	if err != nil {
		return nil, errorf("s3", "%v", err)
	}
	s.cl = cl
	return s, nil
}

func (s *S3) Name() string {
	return "s3"
}

func (s *S3) key(l *mlist.MailingList, id string) string {
	return s.objectPrefix + safeName(l.Name) + "/" + id + ".eml"
}

func (s *S3) ArchiveMessage(ctx context.Context, l *mlist.MailingList, msg *mailmsg.Message) error {
	raw := msg.Bytes()
	key := s.key(l, ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String())

	_, err := s.cl.PutObject(ctx, s.bucketName, key, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "message/rfc822",
		UserMetadata: map[string]string{
			"List":       l.Name,
			"Message-Id": msg.MessageID(),
		},
	})
	if err != nil {
		return errorf("s3", "PutObject: %v", err)
	}
	s.log.DebugMsg("archived", "list", l.Name, "key", key)
	return nil
}
