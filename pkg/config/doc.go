/*
Package config loads the scheduler's YAML configuration.

Two files are involved. The global file (cloud_scheduler.yaml) sets loop
intervals, ban tracking thresholds, file locations and server addresses;
anything it omits falls back to Default. The resource file
(cloud_resources.yaml) lists one entry per cloud:

	clusters:
	  - name: cc-west
	    cloud_type: AmazonEC2
	    host: ec2.us-west-2.amazonaws.com
	    vm_slots: 20
	    cpu_cores: 4
	    storage: 400
	    memory: [16384]
	    networks: [public]
	    cpu_archs: [x86_64]
	    options:
	      access_key_id: ${EC2_ACCESS_KEY}
	      secret_access_key: ${EC2_SECRET_KEY}
	      region: us-west-2

Credentials are kept out of the resource file by loading an env file with
LoadEnv and referencing it as ${VAR}. Unknown keys are rejected in both
files, and again when a driver decodes its options block through
DecodeOptions.

Watcher (fsnotify) lets the daemon reload the resource, ban and alias files
when they change on disk.
*/
package config
