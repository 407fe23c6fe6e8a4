package cfg

type Cfg struct {
	// Rule set and storage
	RulesFile string
	DBPath    string

	// HTTP server
	Port string

	// Pipeline
	FeedWorkerCount   int
	SocialWorkerCount int
	CycleInterval     int
	CycleTimeout      int

	// Social search credential, injected into the source config at startup
	SocialBearerToken string

	// Outbound email sink (disabled when SMTPHost is empty)
	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	MailFrom string
	MailTo   string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
