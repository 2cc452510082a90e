package config

// configSchema constrains CUE configuration files. Every section is
// optional; omitted fields keep their defaults.
const configSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Telemetry: {
	service_name?:    string & !=""
	service_version?: string
	environment?:     string
	logging?: {
		level?:               "trace" | "debug" | "info" | "warn" | "error"
		format?:              "console" | "json"
		output?:              string
		enable_caller?:       bool
		enable_sampling?:     bool
		sampling_initial?:    int & >=0
		sampling_thereafter?: int & >=0
		time_format?:         "rfc3339" | "unix" | "unixms"
	}
	tracing?: {
		enabled?:               bool
		exporter?:              "otlp" | "stdout" | "none"
		endpoint?:              string
		sampling_rate?:         number & >=0 & <=1
		max_export_batch_size?: int & >0
		export_timeout?:        #Duration
		headers?: [string]: string
		insecure?: bool
	}
	metrics?: {
		enabled?:        bool
		listen_address?: string
		path?:           =~"^/"
		namespace?:      string
		buckets?: [...number]
	}
}

#Store: {
	path?:              string & !=""
	max_open_conns?:    int & >=0
	max_idle_conns?:    int & >=0
	conn_max_lifetime?: #Duration
	poll_interval?:     #Duration
	job_board?:         "sqlite" | "bolt"
	bolt_path?:         string
}

#Conductor: {
	name?:         string
	workers?:      int & >=1
	lease?:        #Duration
	wait_timeout?: #Duration
	engine?: {
		mode?:         "serial" | "parallel"
		max_parallel?: int & >=0
	}
}

#Retry: {
	attempts?:              int & >=1
	delay?:                 #Duration
	max_delay?:             #Duration
	backoff?:               "constant" | "linear" | "exponential" | "jitter"
	vm_poll_attempts?:      int & >=1
	vm_poll_interval?:      #Duration
	broker_check_attempts?: int & >=1
	broker_check_interval?: #Duration
	delete_poll_attempts?:  int & >=1
	delete_poll_interval?:  #Duration
}

#Monitor: {
	schedule?:  string & !=""
	lock_name?: string & !=""
	lock_ttl?:  #Duration
	owner?:     string
}

#Policy: {
	enabled?: bool
	paths?: [...string]
	watch?: bool
	limits?: {
		min_cluster_size?: int & >=1
		max_cluster_size?: int & >=0
		max_volume_gb?:    int & >=0
		allowed_flavors?: [...string]
	}
}

#Cloud: {
	provider?: "openstack" | "fake"
	openstack?: {
		compute_url?: string
		network_url?: string
		volume_url?:  string
		token?:       string
		timeout?:     #Duration
		max_retries?: int & >=0 & <=10
	}
	rate_limit?: number & >=0
	burst?:      int & >=0
}

#Broker: {
	port?:    int & >=0 & <=65535
	scheme?:  "http" | "https"
	timeout?: #Duration
}

#Config: {
	telemetry?: #Telemetry
	store?:     #Store
	conductor?: #Conductor
	retry?:     #Retry
	monitor?:   #Monitor
	policy?:    #Policy
	cloud?:     #Cloud
	broker?:    #Broker
	credentials?: {
		username?:  string
		password?:  string
		user_data?: string
	}
	redis?: {
		addr?:     string
		password?: string
		db?:       int & >=0
		prefix?:   string
	}
}
`
