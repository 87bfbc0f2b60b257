package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// encodeEmbedding serialises a float32 vector as a JSON array for storage as
// an artifact, since the artifact store only deals in raw bytes.
func encodeEmbedding(vec []float32) ([]byte, error) {
	return json.Marshal(vec)
}

func decodeEmbedding(data []byte) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	return vec, nil
}

// partitionKeyFromEmbeddingKey recovers the partition artifact key an
// embedding artifact was derived from, given the "<partitionKey>.embedding.json"
// naming convention GenerateEmbeddingsHandler writes.
func partitionKeyFromEmbeddingKey(embeddingKey string) string {
	return strings.TrimSuffix(embeddingKey, ".embedding.json")
}

// partIndexFromKey extracts the partition index from a
// ".../partition_text.{fileIndex}.{part}.txt" artifact key.
func partIndexFromKey(key string) int {
	base := strings.TrimSuffix(key, ".txt")
	segments := strings.Split(base, ".")
	if len(segments) == 0 {
		return 0
	}
	part, err := strconv.Atoi(segments[len(segments)-1])
	if err != nil {
		return 0
	}
	return part
}
