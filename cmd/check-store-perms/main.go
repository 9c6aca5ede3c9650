// Command check-store-perms verifies the credentials in the environment
// carry every S3 permission the synchronization engine needs: listing for
// state resolution, reads for downloads, and copy plus delete for moves.
// Copy and delete are only probed with -probe-write, against a scratch key
// that is removed afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

type checkResult struct {
	Name   string
	Pass   bool
	Detail string
}

func main() {
	bucket := flag.String("bucket", os.Getenv("BUGVAULT_BUCKET"), "bucket holding the workflow stages")
	prefix := flag.String("prefix", os.Getenv("BUGVAULT_ROOT_FOLDER"), "root folder the stage prefixes live under")
	region := flag.String("region", "", "AWS region (optional; falls back to default chain)")
	probeWrite := flag.Bool("probe-write", false, "probe copy and delete with a scratch object")
	timeout := flag.Duration("timeout", 20*time.Second, "per-operation timeout")
	flag.Parse()

	if *bucket == "" {
		fmt.Println("FATAL: no bucket (set -bucket or BUGVAULT_BUCKET)")
		os.Exit(2)
	}

	ctx := context.Background()

	loadOpts := []func(*config.LoadOptions) error{}
	if *region != "" {
		loadOpts = append(loadOpts, config.WithRegion(*region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		fmt.Printf("FATAL: failed to load AWS config: %v\n", err)
		os.Exit(2)
	}

	s3 := awss3.NewFromConfig(cfg)

	listPrefix := *prefix
	if listPrefix != "" && !strings.HasSuffix(listPrefix, "/") {
		listPrefix += "/"
	}

	var results []checkResult

	// REQUIRED for state resolution and downloads: ListObjectsV2.
	var sampleKey string
	{
		ctxOp, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		out, err := s3.ListObjectsV2(ctxOp, &awss3.ListObjectsV2Input{
			Bucket:  bucket,
			Prefix:  aws.String(listPrefix),
			MaxKeys: aws.Int32(1),
		})
		res := classify("s3:ListBucket", err)
		if err == nil {
			if len(out.Contents) > 0 && out.Contents[0].Key != nil {
				sampleKey = *out.Contents[0].Key
				res.Detail = fmt.Sprintf("listed OK (sample key: %s)", sampleKey)
			} else {
				res.Detail = "listed OK (no objects under prefix)"
			}
		}
		results = append(results, res)
	}

	// REQUIRED for downloads: GetObject.
	if sampleKey != "" {
		ctxOp, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		out, err := s3.GetObject(ctxOp, &awss3.GetObjectInput{
			Bucket: bucket,
			Key:    &sampleKey,
			Range:  aws.String("bytes=0-0"),
		})
		res := classify("s3:GetObject", err)
		if err == nil && out.Body != nil {
			_, _ = io.CopyN(io.Discard, out.Body, 1)
			out.Body.Close()
			res.Detail = "read 1 byte OK"
		}
		results = append(results, res)
	}

	// REQUIRED for moves: PutObject (copy target) and DeleteObject. Only
	// probed on request because both mutate the bucket.
	if *probeWrite && sampleKey != "" {
		scratchKey := strings.TrimSuffix(listPrefix, "/") + "/.bugvault-perm-probe"

		{
			ctxOp, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()
			_, err := s3.CopyObject(ctxOp, &awss3.CopyObjectInput{
				Bucket:     bucket,
				Key:        aws.String(scratchKey),
				CopySource: aws.String(*bucket + "/" + sampleKey),
			})
			results = append(results, classify("s3:PutObject (copy)", err))
		}
		{
			ctxOp, cancel := context.WithTimeout(ctx, *timeout)
			defer cancel()
			_, err := s3.DeleteObject(ctxOp, &awss3.DeleteObjectInput{
				Bucket: bucket,
				Key:    aws.String(scratchKey),
			})
			results = append(results, classify("s3:DeleteObject", err))
		}
	}

	fmt.Println("Object-store permission check summary:")
	missing := 0
	for _, r := range results {
		status := "OK"
		if !r.Pass {
			status = "MISSING"
			missing++
		}
		if r.Detail != "" {
			fmt.Printf("- %-20s : %-8s — %s\n", r.Name, status, r.Detail)
		} else {
			fmt.Printf("- %-20s : %-8s\n", r.Name, status)
		}
	}

	if !*probeWrite {
		fmt.Println("\nNote: copy and delete permissions were not probed (pass -probe-write).")
	}

	if missing > 0 {
		fmt.Printf("\nResult: %d permission(s) missing.\n", missing)
		os.Exit(1)
	}
	fmt.Println("\nResult: all checked permissions present.")
}

func classify(name string, err error) checkResult {
	if err == nil {
		return checkResult{Name: name, Pass: true}
	}
	return checkResult{Name: name, Pass: false, Detail: strings.TrimSpace(err.Error())}
}
