// Package config loads the deploy agent configuration and validates inbound
// deployment manifests.
//
// # Agent configuration
//
// The agent reads a single YAML file:
//
//	publisher:
//	  kind: nats
//	  url: nats://localhost:4222
//	  subject: deploycore.instancesync
//	scheduler:
//	  interval: 10m
//	  parallelism: 10
//	infrastructures:
//	  prod-ecs:
//	    kind: ECS
//	    region: us-east-1
//	    cluster: prod
//	tasks:
//	  - id: web-sync
//	    type: ECS_INSTANCE_SYNC_NG
//	    infra: prod-ecs
//	    params:
//	      services:
//	        - service_name: web
//
// Values not present in the file keep their defaults. Struct constraints are
// checked with validator tags; cross references (task to infrastructure) are
// checked by Validate.
//
// # Manifest schemas
//
// SchemaRegistry holds CUE definitions for the service, task definition,
// scalable target and scaling policy manifests. ValidateManifest accepts YAML or
// JSON text in either camelCase or PascalCase and reports failures as
// invalid-argument errors:
//
//	sr := config.NewSchemaRegistry()
//	if err := sr.ValidateManifest(config.ManifestService, text); err != nil {
//		return err
//	}
package config
