package config

// EnvPrefix namespaces envconfig processing. Tags carry full variable names,
// so the prefix only matters for untagged fields.
const EnvPrefix = "memberhub"

// App environment names.
const (
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

// Environment variable names referenced outside struct tags.
const (
	EnvAppEnv = "MEMBERHUB_APP_ENV"
	EnvDBDSN  = "MEMBERHUB_DB_DSN"
	EnvDBHost = "MEMBERHUB_DB_HOST"
	EnvDBUser = "MEMBERHUB_DB_USER"
	EnvDBName = "MEMBERHUB_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
