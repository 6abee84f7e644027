package openai

// Config holds configuration for the OpenAI embedding generator used to
// score optimizer candidates. An empty APIKey disables it.
type Config struct {
	APIKey  string `env:"OPENAI_API_KEY"`
	BaseURL string `env:"OPENAI_BASE_URL"           envDefault:"https://api.openai.com/v1"`
	Model   string `env:"OPTIMIZER_EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	Enabled bool   `env:"OPTIMIZER_EMBEDDINGS"      envDefault:"false"`
}
