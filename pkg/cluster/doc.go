/*
Package cluster registers a node with the fleet.

Registration is held in a Redis-backed coordination service.  Every node owns one ephemeral entry, the key
<base path>/<node id>, whose value is a JSON Record and whose TTL is the session timeout.  The owning
Registration refreshes the TTL while it runs, and deletes the entry when it stops.  If the node dies the
entry expires on its own, which is how peers and routers notice that it has gone.

Joins and leaves are also announced on the pubsub channel named by the base path, as "+<node id>" and
"-<node id>".

The registrar does not enforce uniqueness of node ids.  Two nodes configured with the same id overwrite each
other's entry.
*/
package cluster
