// Package api exposes the REST interface of the dataset engine: plugin
// discovery, multi-round dataset negotiation, dataset inspection and
// lifecycle control, and direct job submission.
package api
