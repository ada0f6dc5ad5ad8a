package jobs

// JobSchema is the JSON Schema every persisted job record must satisfy
const JobSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "connector_name", "command", "status", "created_at", "timeout_ms"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "session_id": {
      "type": "string"
    },
    "connector_name": {
      "type": "string",
      "minLength": 1
    },
    "command": {
      "type": "string",
      "minLength": 1
    },
    "input": {
      "type": ["object", "null"]
    },
    "status": {
      "type": "string",
      "enum": ["pending", "running", "completed", "failed", "timeout", "cancelled"]
    },
    "created_at": {
      "type": "string",
      "format": "date-time"
    },
    "started_at": {
      "type": ["string", "null"],
      "format": "date-time"
    },
    "completed_at": {
      "type": ["string", "null"],
      "format": "date-time"
    },
    "timeout_ms": {
      "type": "integer",
      "minimum": 0
    },
    "result": {
      "type": ["object", "null"],
      "properties": {
        "exit_code": { "type": "integer" },
        "stdout": { "type": "string" },
        "stderr": { "type": "string" }
      }
    },
    "error": {
      "type": ["object", "null"],
      "required": ["code", "message"],
      "properties": {
        "code": { "type": "string" },
        "message": { "type": "string" }
      }
    }
  }
}`
