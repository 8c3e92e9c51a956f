package main

import (
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	"github.com/go-sphere/confstore/provider/file"
)

// loadConfstoreInto reads the static bouquet/mix preset document from a
// local JSON file via confstore, the same library the teacher's full
// config.go (not present in the retrieved subset) uses for its static
// server-list document.
func loadConfstoreInto(path string, target any) error {
	return confstore.Fill(file.New(path), codec.JsonCodec(), target)
}
