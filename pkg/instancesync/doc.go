// Package instancesync is the dispatch table between infrastructure kinds and their
// instance-sync handlers.
//
// Each kind has three record types: a provider-native ServerInstanceInfo, the
// DeploymentInfo that seeds a perpetual task, and the normalized InstanceInfo
// reported on every poll. A Handler converts between them and builds the task
// payload; it rejects any record whose dynamic type belongs to another kind with an
// invalid-arguments error, before any remote call is made.
//
//	reg := instancesync.DefaultRegistry()
//	h, err := reg.Get(instancesync.KindECS)
//	if err != nil {
//		return err
//	}
//	params, err := h.BuildTaskParams(infra, deployments)
package instancesync
