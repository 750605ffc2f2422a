package app

import (
	"log"
	"mime"
)

// Attachment types that minimal container images do not know by extension.
func init() {
	ensureMimeType(".heic", "image/heic")
	ensureMimeType(".webp", "image/webp")
	ensureMimeType(".xml", "application/xml")
	ensureMimeType(".pdf", "application/pdf")
}

func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		log.Printf("app: failed to register MIME type for %s: %v", ext, err)
	}
}
