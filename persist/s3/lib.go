package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/jrhy/forest"
)

// S3Interface is the subset of the S3 client used by Persist.
type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// Persist implements the forest.Persist interface for storing and loading
// nodes as S3 objects.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string
	// names known to be in the bucket; simplelru isn't safe for
	// concurrent use, and Flush stores concurrently.
	mu  *sync.Mutex
	lru *simplelru.LRU
}

// Load loads the bytes persisted in the named object.
func (p Persist) Load(ctx context.Context, name string) ([]byte, error) {
	input := s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
	}
	output, err := p.s3.GetObjectWithContext(ctx, &input)
	if err != nil {
		var ae awserr.Error
		if errors.As(err, &ae) && ae.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("%s: %w", name, forest.ErrNotPersisted)
		}
		return nil, err
	}
	defer output.Body.Close()
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}
	p.remember(name)
	return b, nil
}

// Store persists the given bytes in an object of the given name, unless
// this Persist already stored or loaded it.
func (p Persist) Store(ctx context.Context, name string, b []byte) error {
	p.mu.Lock()
	_, present := p.lru.Get(name)
	p.mu.Unlock()
	if present {
		return nil
	}
	input := s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
		Body:   bytes.NewReader(b),
	}
	_, err := p.s3.PutObjectWithContext(ctx, &input)
	if err != nil {
		return err
	}
	p.remember(name)
	return nil
}

func (p Persist) remember(name string) {
	p.mu.Lock()
	p.lru.Add(name, nil)
	p.mu.Unlock()
}

// NewPersist returns a Persist that loads and stores nodes as
// objects with the given S3 client and bucket name. Object names are the
// node digests, with the given prefix.
func NewPersist(client S3Interface, bucketName, prefix string) Persist {
	lru, err := simplelru.NewLRU(1000, nil)
	if err != nil {
		panic(err)
	}
	return Persist{client, bucketName, prefix, &sync.Mutex{}, lru}
}
