package config

// schemaSource constrains configuration files and supplies every default.
// #Config is closed, so misspelt fields are rejected.
const schemaSource = `
#Config: {
	image: {
		root:       string & !="" | *"/"
		state_dir:  string & !="" | *"var/pkg"
		live_root?: bool
	}
	remote: {
		host:                     string | *""
		port:                     int & >0 & <=65535 | *22
		user:                     string | *""
		auth:                     *"key" | "password"
		password:                 string | *""
		private_key:              string | *""
		known_hosts:              string | *""
		insecure_ignore_host_key: bool | *false
		connect_timeout:          int & >0 | *30
	}
	actuator: {
		commands_dir: string | *""
		svcadm:       string & !="" | *"/usr/sbin/svcadm"
		svcprop:      string & !="" | *"/usr/bin/svcprop"
		svcs:         string & !="" | *"/usr/bin/svcs"
	}
	history: {
		enabled: bool | *true
		path:    string | *""
	}
	policy: {
		enabled:   bool | *true
		paths:     [...string] | *[]
		protected: [...string] | *[]
	}
	telemetry: {
		logging: {
			level:  *"info" | "trace" | "debug" | "warn" | "error" | "fatal"
			format: *"console" | "json"
			output: string & !="" | *"stderr"
		}
		metrics: {
			enabled:        bool | *false
			listen_address: string | *""
			path:           string | *"/metrics"
			namespace:      string & =~"^[a-zA-Z_][a-zA-Z0-9_]*$" | *"froyo_pkg"
		}
		tracing: {
			enabled:       bool | *false
			exporter:      *"none" | "stdout" | "otlp"
			endpoint:      string | *""
			sampling_rate: number & >=0 & <=1 | *1.0
		}
	}
}
`
