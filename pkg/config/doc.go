// Package config loads the froyo-pkg configuration.
//
// Configuration files are written in CUE and unified with a closed schema
// that supplies defaults, then decoded and checked with validator struct
// tags:
//
//	image: root: "/a"
//	history: enabled: false
//	policy: protected: ["system/kernel", "shell/bash"]
//	telemetry: logging: level: "debug"
//
// Every problem found is reported as a ValidationError carrying the file
// position and field path.
package config
