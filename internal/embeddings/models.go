package embeddings

// fastEmbedModelDimension returns the output size of the models FastEmbed ships.
func fastEmbedModelDimension(model string) (int, bool) {
	switch model {
	case "BAAI/bge-small-en-v1.5", "BAAI/bge-small-en", "sentence-transformers/all-MiniLM-L6-v2":
		return 384, true
	case "BAAI/bge-base-en-v1.5", "BAAI/bge-base-en":
		return 768, true
	case "BAAI/bge-small-zh-v1.5":
		return 512, true
	}
	return 0, false
}
