// Package s3test provides S3 buckets for tests.
package s3test

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// EndpointEnv names the environment variable that points tests at a real
// S3-compatible service instead of the in-memory fake. Credentials then
// come from the usual AWS_* variables.
const EndpointEnv = "FOREST_TEST_S3_ENDPOINT"

// Client returns an S3 client and a fresh, empty bucket. The bucket is
// emptied and the fake server stopped when the test finishes.
func Client(t testing.TB) (*s3.S3, string) {
	t.Helper()
	var config *aws.Config
	if endpoint := os.Getenv(EndpointEnv); endpoint != "" {
		config = &aws.Config{
			Credentials: credentials.NewStaticCredentials(
				mustEnv(t, "AWS_ACCESS_KEY_ID"),
				mustEnv(t, "AWS_SECRET_ACCESS_KEY"),
				os.Getenv("AWS_SESSION_TOKEN"),
			),
			Endpoint:         aws.String(endpoint),
			Region:           aws.String(envOrDefault("AWS_REGION", "us-east-1")),
			S3ForcePathStyle: aws.Bool(true),
		}
	} else {
		faker := gofakes3.New(s3mem.New())
		ts := httptest.NewServer(faker.Server())
		t.Cleanup(ts.Close)
		config = &aws.Config{
			Credentials: credentials.NewStaticCredentials(
				"TEST-ACCESSKEYID",
				"TEST-SECRETACCESSKEY",
				"",
			),
			Endpoint:         aws.String(ts.URL),
			Region:           aws.String("ca-west-1"),
			DisableSSL:       aws.Bool(true),
			S3ForcePathStyle: aws.Bool(true),
		}
	}
	sess, err := session.NewSession(config)
	if err != nil {
		t.Fatalf("s3 session: %v", err)
	}
	client := s3.New(sess)

	bucketName := randBucketName(t)
	_, err = client.CreateBucket(&s3.CreateBucketInput{
		Bucket: &bucketName,
	})
	if err != nil {
		t.Fatalf("create bucket %s: %v", bucketName, err)
	}
	t.Cleanup(func() {
		if err := emptyBucket(client, bucketName); err != nil {
			t.Logf("empty bucket %s: %v", bucketName, err)
			return
		}
		client.DeleteBucket(&s3.DeleteBucketInput{Bucket: &bucketName})
	})
	return client, bucketName
}

func mustEnv(t testing.TB, key string) string {
	res := os.Getenv(key)
	if res == "" {
		t.Fatalf("environment '%s' unset", key)
	}
	return res
}

func envOrDefault(key, def string) string {
	if res := os.Getenv(key); res != "" {
		return res
	}
	return def
}

func randBucketName(t testing.TB) string {
	i, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		t.Fatalf("bucket name: %v", err)
	}
	return fmt.Sprintf("bucket-%s", i)
}

func emptyBucket(s *s3.S3, bucket string) error {
	return s.ListObjectsPages(&s3.ListObjectsInput{Bucket: &bucket},
		func(page *s3.ListObjectsOutput, _ bool) bool {
			if len(page.Contents) == 0 {
				return true
			}
			objects := make([]*s3.ObjectIdentifier, 0, len(page.Contents))
			for _, object := range page.Contents {
				objects = append(objects, &s3.ObjectIdentifier{Key: object.Key})
			}
			_, err := s.DeleteObjects(&s3.DeleteObjectsInput{
				Bucket: &bucket,
				Delete: &s3.Delete{Objects: objects},
			})
			return err == nil
		})
}
