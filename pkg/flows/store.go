package flows

import (
	"fmt"

	"github.com/mqfleet/mqfleet/pkg/models"
	"github.com/mqfleet/mqfleet/pkg/tasks"
)

func errNoNodes(factory string) error {
	return fmt.Errorf("%w: %s needs at least one node", ErrInvalidArguments, factory)
}

// Credentials are the broker credentials seeded into the flow store.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ClusterStore returns the initial flow store for jobs acting on c.
// create_cluster and create_cluster_node need every key; the other
// factories only read the cluster ID and the credentials.
func ClusterStore(c *models.Cluster, creds Credentials, userData string) map[string]any {
	return map[string]any{
		tasks.KeyClusterID:      c.ID,
		tasks.KeyClusterName:    c.Name,
		tasks.KeyNetworkID:      c.NetworkID,
		tasks.KeyFlavor:         c.Flavor,
		tasks.KeyImage:          c.Image,
		tasks.KeyVolumeSize:     c.VolumeSize,
		tasks.KeyUserData:       userData,
		tasks.KeyBrokerUsername: creds.Username,
		tasks.KeyBrokerPassword: creds.Password,
	}
}

// NodeStore extends ClusterStore with the cluster's VM group, which
// create_cluster_node reads instead of creating one.
func NodeStore(c *models.Cluster, creds Credentials, userData string) map[string]any {
	s := ClusterStore(c, creds, userData)
	s[tasks.KeyGroupID] = c.GroupID
	return s
}
