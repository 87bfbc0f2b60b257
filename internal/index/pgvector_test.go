package index

import (
	"testing"

	"github.com/memoryvault/ingest/internal/tag"
)

func TestMarshalUnmarshalTagsRoundTrip(t *testing.T) {
	c := tag.NewCollection()
	c.Add("department", "finance")
	c.Add("department", "legal")
	c.Add(tag.KeyDocumentID, "doc1")
	c.Add("confidential", "")

	data, err := marshalTags(c)
	if err != nil {
		t.Fatalf("marshalTags: %v", err)
	}

	got, err := unmarshalTags(data)
	if err != nil {
		t.Fatalf("unmarshalTags: %v", err)
	}

	if !got.HasValue("department", "finance") || !got.HasValue("department", "legal") {
		t.Fatalf("expected both department values preserved, got %v", got.Values("department"))
	}
	if !got.HasValue(tag.KeyDocumentID, "doc1") {
		t.Fatalf("expected document id tag preserved")
	}
	if !got.Has("confidential") {
		t.Fatalf("expected presence-only tag preserved")
	}
	if len(got.Values("confidential")) != 0 {
		t.Fatalf("expected no values for presence-only tag, got %v", got.Values("confidential"))
	}
}
