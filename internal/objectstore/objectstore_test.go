// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package objectstore_test

import (
	"context"
	"io"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/reflectivelabs/iconworks/internal/objectstore"
)

type fakePutter struct {
	bucket string
	key    string
	body   []byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.bucket = *in.Bucket
	f.key = *in.Key
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

type fakePresigner struct {
	key string
	err error
}

func (f *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = *in.Key
	return &v4.PresignedHTTPRequest{
		URL: "https://store.example.com/" + *in.Bucket + "/" + *in.Key + "?signed=1",
	}, nil
}

type storeSuite struct {
	testing.IsolationSuite

	putter    *fakePutter
	presigner *fakePresigner
	store     *objectstore.Store
}

var _ = gc.Suite(&storeSuite{})

func (s *storeSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.putter = &fakePutter{}
	s.presigner = &fakePresigner{}
	s.store = objectstore.NewStoreWithClients("icons-bucket", s.putter, s.presigner)
}

func (s *storeSuite) TestPut(c *gc.C) {
	key, err := s.store.Put(context.Background(), "icons/j1/1.png", []byte("png"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(key, gc.Equals, "icons/j1/1.png")
	c.Check(s.putter.bucket, gc.Equals, "icons-bucket")
	c.Check(s.putter.key, gc.Equals, "icons/j1/1.png")
	c.Check(s.putter.body, jc.DeepEquals, []byte("png"))
}

func (s *storeSuite) TestPutError(c *gc.C) {
	s.putter.err = errors.Errorf("bucket gone")
	_, err := s.store.Put(context.Background(), "k", []byte("png"))
	c.Assert(err, gc.ErrorMatches, `uploading object "k": bucket gone`)
}

func (s *storeSuite) TestSignedURL(c *gc.C) {
	url, err := s.store.SignedURL(context.Background(), "icons/j1/1.png", time.Minute)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(url, gc.Equals, "https://store.example.com/icons-bucket/icons/j1/1.png?signed=1")
	c.Check(s.presigner.key, gc.Equals, "icons/j1/1.png")
}

func (s *storeSuite) TestSignedURLError(c *gc.C) {
	s.presigner.err = errors.Errorf("no such key")
	_, err := s.store.SignedURL(context.Background(), "k", time.Minute)
	c.Assert(err, gc.ErrorMatches, `presigning object "k": no such key`)
}

func (s *storeSuite) TestObjectKey(c *gc.C) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	key1 := objectstore.ObjectKey("job-1", now)
	key2 := objectstore.ObjectKey("job-1", now)

	c.Check(strings.HasPrefix(key1, "icons/job-1/"), jc.IsTrue)
	c.Check(strings.HasSuffix(key1, ".png"), jc.IsTrue)
	// Keys embed a nonce, so attempts at the same instant still never
	// collide.
	c.Check(key1, gc.Not(gc.Equals), key2)
}
