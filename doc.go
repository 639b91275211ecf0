/*
Package roo implements RooPC, a remote procedure call whose
request may fan out into a tree of tasks spread over many
servers, with any node of the tree sending responses straight
back to the caller.

A call knows it is done without knowing the tree's shape in
advance. Every task, when it finishes, sends a manifest naming
how many sub-requests it issued and how many responses it sent.
The caller counts manifests and responses still owed; the call
is COMPLETED once both counts are zero and every request it sent
has left the transport. Manifests and responses may arrive in any
order, and more than once; the counts converge all the same.

Liveness is checked by pinging, every Config.PingInterval, the
task believed to be serving each unfinished branch. A branch that
misses more than Config.MaxPingTimeouts pings in a row fails the
call.

A Socket owns one Transport and routes everything arriving on it:
requests become ServerTasks (see Socket.ReceiveTask), everything
else goes to the RooPC named by the message's RooId. Either poll
the Socket yourself or let Socket.Start do it in the background.

Memnet is an in-process Transport with injectable duplication,
reordering and partitions, used by the tests and by cmd/roodemo.
*/
package roo
