// Package startup loads configuration and produces the sectioned startup and
// shutdown log the service prints.
//
// Configuration is read with viper from three layers, lowest precedence
// first: built-in defaults, an optional YAML file named by CONFIG_FILE, and
// environment variables. Every key maps to an upper-case variable of the
// same name, for example max_concurrent_jobs and MAX_CONCURRENT_JOBS.
//
// [ReadConfig] only decodes and normalizes values. [LoadConfig] additionally
// prints the banner and creates or verifies the output, temp, chunk and
// database directories.
package startup
