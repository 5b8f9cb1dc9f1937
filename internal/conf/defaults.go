// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "BirdCensus-Go")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "birdcensus.log")

	viper.SetDefault("classifier.endpoint", "http://localhost:8500/v1/classify")
	viper.SetDefault("classifier.apikey", "")
	viper.SetDefault("classifier.timeout", 30*time.Second)
	viper.SetDefault("classifier.modelversion", "")

	viper.SetDefault("review.batchlimit", 100)

	viper.SetDefault("aggregation.maxretries", 5)
	viper.SetDefault("aggregation.retrybackoff", 10*time.Millisecond)

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")
	viper.SetDefault("webserver.log.enabled", true)
	viper.SetDefault("webserver.log.path", "webserver.log")

	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "birdcensus.db")

	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "birdcensus")
	viper.SetDefault("output.mysql.password", "secret")
	viper.SetDefault("output.mysql.database", "birdcensus")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")
}
