/*
Package client is the Go client of the cloudscheduler admin service.

It is what the cloudscheduler CLI uses to talk to a running daemon. Each
method is one unary call with the client's timeout:

	c, err := client.NewClient("127.0.0.1:8112")
	if err != nil {
		return err
	}
	defer c.Close()

	clusters, err := c.ListClusters()

An address starting with "/" is taken as the daemon's unix socket. The
socket only answers List and Get calls; mutating calls made over it fail
with codes.PermissionDenied. Errors are gRPC status errors, so callers
branch with status.Code:

	if status.Code(err) == codes.NotFound {
		...
	}
*/
package client
