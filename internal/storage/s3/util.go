package s3

import (
	"crypto/md5" //nolint:gosec // content-MD5 header, not a security use
	"encoding/base64"
)

func md5Sum(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}

func base64Std(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
