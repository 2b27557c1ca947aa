// Package config loads the broker configuration.
//
// Load starts from Default and applies, in order:
//
//  1. configuration files; .cue files are compiled with CUE and .yaml/.yml
//     files are parsed with yaml.v3, and both are checked against the
//     built-in #BrokerConfig schema before they are decoded
//  2. a dotenv file (.env when present, or Options.EnvFile)
//  3. BROKER_ environment overrides (see ApplyEnv)
//
// The result is validated with struct tags and a few cross-field rules.
// Errors carry the file, position and field path of every problem:
//
//	cfg, err := config.Load(config.Options{Paths: []string{"broker.yaml"}})
//	if err != nil {
//	    var verrs config.ValidationErrors
//	    if errors.As(err, &verrs) {
//	        for _, e := range verrs {
//	            fmt.Println(e)
//	        }
//	    }
//	}
//
// Durations are written as Go duration strings ("30s", "5m").
package config
