package redis

// Redis key naming conventions for imgdispatch data.
// All keys are prefixed with "imgdispatch:" to avoid collisions.

const keyPrefix = "imgdispatch:"

// jobKey returns the Hash key for a job record: imgdispatch:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// stateKey returns the Sorted Set indexing records in a state:
// imgdispatch:state:{state}
func stateKey(state string) string { return keyPrefix + "state:" + state }

// queueStateKey returns the Sorted Set indexing records of one queue in a
// state: imgdispatch:queue:{queue}:state:{state}
func queueStateKey(queue, state string) string {
	return keyPrefix + "queue:" + queue + ":state:" + state
}

// queuesKey is the Set of every queue name seen by the store.
const queuesKey = keyPrefix + "queues"
