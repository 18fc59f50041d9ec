// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing holds the query classifier and the model registry that
// together decide which LLM variant answers a question.
package routing

import (
	"fmt"
	"strings"
)

// Bucket is a query-complexity category. It drives model selection: cheap
// questions go to small fast models, complex ones to the large variants.
type Bucket string

const (
	// BucketSimple marks short definitional questions.
	BucketSimple Bucket = "simple"

	// BucketFast is the default bucket for ordinary questions.
	BucketFast Bucket = "fast"

	// BucketBalanced trades latency for quality. The classifier never
	// produces it; it is reachable only through a task_hint override.
	BucketBalanced Bucket = "balanced"

	// BucketComplex marks analytical or long questions.
	BucketComplex Bucket = "complex"
)

// simpleMarkers flag definitional questions; combined with a short token
// count they route to the smallest model.
var simpleMarkers = []string{"what is", "define", "explain briefly", "yes/no", "true/false"}

// complexMarkers flag analytical questions regardless of length.
var complexMarkers = []string{"analyze", "compare", "detailed", "comprehensive", "step by step"}

const (
	simpleMaxTokens  = 10
	complexMinTokens = 21
)

// Classify maps a question to its complexity bucket.
//
// # Description
//
// Pure and deterministic. Rules, in order, over the lowercased question
// with whitespace-separated tokens:
//
//  1. contains a simple marker AND at most 10 tokens → simple
//  2. contains a complex marker OR more than 20 tokens → complex
//  3. otherwise → fast
//
// BucketBalanced is never returned; it exists for task_hint overrides.
//
// Thread Safety: Safe for concurrent use.
func Classify(question string) Bucket {
	lower := strings.ToLower(question)
	tokens := len(strings.Fields(lower))

	if tokens <= simpleMaxTokens {
		for _, marker := range simpleMarkers {
			if strings.Contains(lower, marker) {
				return BucketSimple
			}
		}
	}

	if tokens >= complexMinTokens {
		return BucketComplex
	}
	for _, marker := range complexMarkers {
		if strings.Contains(lower, marker) {
			return BucketComplex
		}
	}

	return BucketFast
}

// ParseBucket converts a task_hint string into a Bucket. Unknown values
// return an error; callers ignore the hint with a warning and fall back to
// the classifier.
func ParseBucket(s string) (Bucket, error) {
	switch Bucket(strings.ToLower(strings.TrimSpace(s))) {
	case BucketSimple:
		return BucketSimple, nil
	case BucketFast:
		return BucketFast, nil
	case BucketBalanced:
		return BucketBalanced, nil
	case BucketComplex:
		return BucketComplex, nil
	default:
		return "", fmt.Errorf("routing: unknown bucket %q", s)
	}
}
