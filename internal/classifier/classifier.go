// Package classifier is the boundary to the external image classification
// service.
package classifier

import "context"

// RawResponse is the classifier's JSON document, uninterpreted.
type RawResponse []byte

// Client classifies the image stored at imagePath.
type Client interface {
	Classify(ctx context.Context, imagePath string) (RawResponse, error)
}
